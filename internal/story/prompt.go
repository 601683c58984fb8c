package story

import (
	"fmt"
	"slices"
	"strings"
	"text/template"
)

// PromptBuilder produces the opaque prompt strings sent to the generator.
type PromptBuilder interface {
	ReferencePrompt(m *Manifest) (string, error)
	PagePrompt(m *Manifest, page int) (string, error)
}

const defaultReferenceTemplate = `Character and style reference sheet for "{{.Story.Title}}".
Style: {{.Story.Style}}.
{{- range .Story.Characters}}
- {{.Name}}: {{.Description}}
{{- end}}
{{- if .Elements}}
Recurring elements: {{join .Elements ", "}}.
{{- end}}
Plain background, full-body views, consistent proportions.`

const defaultPageTemplate = `Illustration for page {{.Number}} of "{{.Story.Title}}".
Style: {{.Story.Style}}. Match the characters in the reference image.
{{- if .Page.Scene}}
Scene: {{.Page.Scene}}
{{- end}}
{{- if .Page.Text}}
Text: {{.Page.Text}}
{{- end}}
{{- if .Elements}}
Show, in order of importance: {{join .Elements ", "}}.
{{- end}}`

// promptData is passed to the templates.
type promptData struct {
	Story    *Manifest
	Page     Page
	Index    int // Zero-based page index
	Number   int // One-based page number
	Elements []string
}

// TemplateBuilder renders prompts from text/template sources.
type TemplateBuilder struct {
	reference *template.Template
	page      *template.Template
}

var funcs = template.FuncMap{"join": strings.Join}

// NewTemplateBuilder parses the reference and page templates.
func NewTemplateBuilder(referenceTmpl, pageTmpl string) (*TemplateBuilder, error) {
	ref, err := template.New("reference").Funcs(funcs).Option("missingkey=error").Parse(referenceTmpl)
	if err != nil {
		return nil, fmt.Errorf("parsing reference template: %w", err)
	}
	page, err := template.New("page").Funcs(funcs).Option("missingkey=error").Parse(pageTmpl)
	if err != nil {
		return nil, fmt.Errorf("parsing page template: %w", err)
	}
	return &TemplateBuilder{reference: ref, page: page}, nil
}

// DefaultBuilder returns the built-in prompt templates.
func DefaultBuilder() *TemplateBuilder {
	b, err := NewTemplateBuilder(defaultReferenceTemplate, defaultPageTemplate)
	if err != nil {
		panic(err)
	}
	return b
}

func (b *TemplateBuilder) ReferencePrompt(m *Manifest) (string, error) {
	return render(b.reference, promptData{Story: m, Index: -1, Elements: m.Elements})
}

func (b *TemplateBuilder) PagePrompt(m *Manifest, page int) (string, error) {
	if page < 0 || page >= len(m.Pages) {
		return "", fmt.Errorf("page %d out of range", page)
	}
	p := m.Pages[page]
	return render(b.page, promptData{
		Story:    m,
		Page:     p,
		Index:    page,
		Number:   page + 1,
		Elements: orderElements(m.Elements, p.Elements),
	})
}

func render(t *template.Template, data promptData) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("rendering %s prompt: %w", t.Name(), err)
	}
	return strings.TrimSpace(sb.String()), nil
}

// orderElements sorts the page's elements by their position in the
// story's element list. Elements the story does not list keep their
// page order after the listed ones.
func orderElements(storyOrder, page []string) []string {
	rank := make(map[string]int, len(storyOrder))
	for i, e := range storyOrder {
		rank[e] = i
	}
	out := slices.Clone(page)
	slices.SortStableFunc(out, func(a, b string) int {
		ra, okA := rank[a]
		rb, okB := rank[b]
		switch {
		case okA && okB:
			return ra - rb
		case okA:
			return -1
		case okB:
			return 1
		}
		return 0
	})
	return out
}
