// Package story loads story manifests and turns them into illustration
// tasks.
package story

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Character is one recurring character in the style guide.
type Character struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Page is one illustrated page.
type Page struct {
	Text     string   `yaml:"text"`
	Scene    string   `yaml:"scene,omitempty"`
	Elements []string `yaml:"elements,omitempty"` // Visual elements shown on this page
	Priority string   `yaml:"priority,omitempty"` // Overrides the story's page priority
}

// Manifest describes a story to illustrate.
type Manifest struct {
	ID         string      `yaml:"id"`
	Title      string      `yaml:"title"`
	Style      string      `yaml:"style"`
	Characters []Character `yaml:"characters"`
	// Elements lists named visual elements in the order they should
	// appear in prompts.
	Elements []string `yaml:"elements"`

	ReferencePriority string `yaml:"reference_priority,omitempty"`
	PagePriority      string `yaml:"page_priority,omitempty"`

	Pages []Page `yaml:"pages"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a YAML manifest. Unknown fields are errors.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty manifest")
		}
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// MaxIDLength bounds story IDs so artifact keys stay readable in the
// durable store's directory.
const MaxIDLength = 128

var priorityNames = map[string]bool{"": true, "critical": true, "high": true, "medium": true, "low": true}

// Validate checks the manifest for missing or invalid fields.
func (m *Manifest) Validate() error {
	var errs []error
	if m.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.Contains(m.ID, "/") {
		errs = append(errs, fmt.Errorf("id %q must not contain '/'", m.ID))
	}
	if len(m.ID) > MaxIDLength {
		errs = append(errs, fmt.Errorf("id is %d bytes, limit is %d", len(m.ID), MaxIDLength))
	}
	if len(m.Pages) == 0 {
		errs = append(errs, errors.New("at least one page is required"))
	}
	if !priorityNames[m.ReferencePriority] {
		errs = append(errs, fmt.Errorf("reference_priority: unknown priority %q", m.ReferencePriority))
	}
	if !priorityNames[m.PagePriority] {
		errs = append(errs, fmt.Errorf("page_priority: unknown priority %q", m.PagePriority))
	}
	for i, p := range m.Pages {
		if strings.TrimSpace(p.Text) == "" && strings.TrimSpace(p.Scene) == "" {
			errs = append(errs, fmt.Errorf("page %d: text or scene is required", i))
		}
		if !priorityNames[p.Priority] {
			errs = append(errs, fmt.Errorf("page %d: unknown priority %q", i, p.Priority))
		}
	}
	return errors.Join(errs...)
}

// Prefix returns the artifact key prefix shared by every artifact of a story.
func Prefix(storyID string) string {
	return storyID + "/"
}

// ReferenceKey returns the artifact key of a story's reference image.
func ReferenceKey(storyID string) string {
	return Prefix(storyID) + "reference"
}

// PageKey returns the artifact key of a page illustration.
func PageKey(storyID string, page int) string {
	return Prefix(storyID) + "page-" + strconv.Itoa(page)
}
