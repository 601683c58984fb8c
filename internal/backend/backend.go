package backend

import (
	"context"
	"fmt"
	"time"
)

// Backend is a remote or local illustration generator.
type Backend interface {
	// Generate produces one image for the request.
	Generate(ctx context.Context, req Request) (Response, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Request describes one image to generate.
type Request struct {
	Prompt    string // Opaque prompt text
	Reference []byte // Optional reference image (character/style sheet)
	Size      string // Requested image size, e.g. "1024x1024"
}

// Response carries the generated image.
type Response struct {
	Image       []byte
	ContentType string
}

// Config defines the configuration for a backend.
type Config struct {
	Type     string        // "http" or "command"
	Endpoint string        // HTTP endpoint URL
	APIKey   string        // Bearer token for the HTTP endpoint
	Command  string        // Executable for the command backend
	Args     []string      // Arguments for the command backend
	Size     string        // Default image size
	Timeout  time.Duration // Per-request timeout (HTTP only; 0 means none)
}

// New creates a backend based on cfg.Type.
func New(cfg Config, pm *ProcessManager) (Backend, error) {
	switch cfg.Type {
	case "http", "":
		return NewHTTPBackend(cfg, nil), nil
	case "command":
		return NewCommandBackend(cfg, pm), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend type %q", ErrNotConfigured, cfg.Type)
	}
}
