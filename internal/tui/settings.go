package tui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"

	"github.com/aristath/illustrator/internal/config"
)

// Save targets offered by the settings form.
const (
	SaveGlobal  = "global"
	SaveProject = "project"
)

// Settings holds the editable configuration fields as strings for the
// form bindings. Apply parses them back into a config.
type Settings struct {
	SaveTarget string

	// Generation
	Backend     string
	Endpoint    string
	Command     string
	MaxAttempts string
	BaseDelay   string
	Jitter      string

	// Loop
	Workers string

	// Cache
	DiskLimit string
	MaxAge    string
}

// NewSettings initializes form values from cfg.
func NewSettings(cfg *config.Config) *Settings {
	return &Settings{
		SaveTarget:  SaveProject,
		Backend:     cfg.Generation.Backend,
		Endpoint:    cfg.Generation.Endpoint,
		Command:     cfg.Generation.Command,
		MaxAttempts: strconv.Itoa(cfg.Generation.MaxAttempts),
		BaseDelay:   cfg.Generation.BaseDelay.Std().String(),
		Jitter:      cfg.Generation.Jitter.Std().String(),
		Workers:     strconv.Itoa(cfg.Loop.Workers),
		DiskLimit:   humanize.IBytes(uint64(cfg.Cache.DiskLimit)),
		MaxAge:      cfg.Cache.MaxAge.Std().String(),
	}
}

// Form builds the settings form. The save target group is left out when
// the destination is already fixed.
func (s *Settings) Form(askTarget bool) *huh.Form {
	var groups []*huh.Group

	if askTarget {
		groups = append(groups, huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Global (~/.illustrator/config.json)", SaveGlobal),
					huh.NewOption("Project (.illustrator/config.json)", SaveProject),
				).
				Value(&s.SaveTarget),
		).Title("Save Target"))
	}

	groups = append(groups,
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("backend").
				Title("Backend").
				Options(
					huh.NewOption("HTTP image API", "http"),
					huh.NewOption("Local command", "command"),
				).
				Value(&s.Backend),

			huh.NewInput().
				Key("endpoint").
				Title("Endpoint").
				Value(&s.Endpoint).
				Placeholder("https://images.example.com/v1/generate"),

			huh.NewInput().
				Key("command").
				Title("Command").
				Value(&s.Command).
				Placeholder("generate-image"),

			huh.NewInput().
				Key("maxAttempts").
				Title("Max Attempts").
				Value(&s.MaxAttempts).
				Validate(validate(parsePositive)),

			huh.NewInput().
				Key("baseDelay").
				Title("Base Delay").
				Value(&s.BaseDelay).
				Placeholder("1s").
				Validate(validate(parseDuration)),

			huh.NewInput().
				Key("jitter").
				Title("Jitter").
				Value(&s.Jitter).
				Placeholder("1s").
				Validate(validate(parseDuration)),
		).Title("Generation"),

		huh.NewGroup(
			huh.NewInput().
				Key("workers").
				Title("Workers").
				Value(&s.Workers).
				Validate(validate(parsePositive)),

			huh.NewInput().
				Key("diskLimit").
				Title("Cache Disk Limit").
				Value(&s.DiskLimit).
				Placeholder("200 MiB").
				Validate(validate(parseBytes)),

			huh.NewInput().
				Key("maxAge").
				Title("Cache Max Age").
				Value(&s.MaxAge).
				Placeholder("168h").
				Validate(validate(parseDuration)),
		).Title("Loop and Cache"),
	)

	return huh.NewForm(groups...)
}

// Apply copies the form values into cfg and validates the result. cfg is
// left untouched on error.
func (s *Settings) Apply(cfg *config.Config) error {
	next := *cfg
	var errs []error

	next.Generation.Backend = strings.TrimSpace(s.Backend)
	next.Generation.Endpoint = strings.TrimSpace(s.Endpoint)
	next.Generation.Command = strings.TrimSpace(s.Command)

	if v, err := parsePositive(s.MaxAttempts); err != nil {
		errs = append(errs, fmt.Errorf("max attempts: %w", err))
	} else {
		next.Generation.MaxAttempts = v
	}
	if v, err := parseDuration(s.BaseDelay); err != nil {
		errs = append(errs, fmt.Errorf("base delay: %w", err))
	} else {
		next.Generation.BaseDelay = config.Duration(v)
	}
	if v, err := parseDuration(s.Jitter); err != nil {
		errs = append(errs, fmt.Errorf("jitter: %w", err))
	} else {
		next.Generation.Jitter = config.Duration(v)
	}
	if v, err := parsePositive(s.Workers); err != nil {
		errs = append(errs, fmt.Errorf("workers: %w", err))
	} else {
		next.Loop.Workers = v
	}
	if v, err := parseBytes(s.DiskLimit); err != nil {
		errs = append(errs, fmt.Errorf("cache disk limit: %w", err))
	} else {
		next.Cache.DiskLimit = v
	}
	if v, err := parseDuration(s.MaxAge); err != nil {
		errs = append(errs, fmt.Errorf("cache max age: %w", err))
	} else {
		next.Cache.MaxAge = config.Duration(v)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if err := next.Validate(); err != nil {
		return err
	}
	*cfg = next
	return nil
}

// TargetPath picks the file the settings are saved to.
func (s *Settings) TargetPath(globalPath, projectPath string) string {
	if s.SaveTarget == SaveGlobal {
		return globalPath
	}
	return projectPath
}

func validate[T any](parse func(string) (T, error)) func(string) error {
	return func(s string) error {
		_, err := parse(s)
		return err
	}
}

func parsePositive(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.New("must be a whole number")
	}
	if v < 1 {
		return 0, errors.New("must be at least 1")
	}
	return v, nil
}

func parseDuration(s string) (time.Duration, error) {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.New(`must be a duration like "1s" or "168h"`)
	}
	if v < 0 {
		return 0, errors.New("must not be negative")
	}
	return v, nil
}

func parseBytes(s string) (int64, error) {
	v, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.New(`must be a size like "200 MiB"`)
	}
	if v == 0 || v > 1<<62 {
		return 0, errors.New("must be positive")
	}
	return int64(v), nil
}
