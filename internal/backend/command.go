package backend

import (
	"context"
	"fmt"
	"os"
)

const (
	// referenceEnv carries the reference image path to the generator.
	referenceEnv = "REFERENCE_IMAGE"

	// referenceArg in Config.Args is replaced by the reference image path.
	referenceArg = "{reference}"
)

// CommandBackend runs a local generator executable. The prompt is written
// to stdin and the image is read from stdout.
type CommandBackend struct {
	cfg Config
	pm  *ProcessManager
}

// NewCommandBackend creates a command backend. pm may be nil.
func NewCommandBackend(cfg Config, pm *ProcessManager) *CommandBackend {
	return &CommandBackend{cfg: cfg, pm: pm}
}

// Generate runs the configured command once.
func (b *CommandBackend) Generate(ctx context.Context, req Request) (Response, error) {
	if b.cfg.Command == "" {
		return Response{}, fmt.Errorf("%w: no command", ErrNotConfigured)
	}

	env := os.Environ()
	size := req.Size
	if size == "" {
		size = b.cfg.Size
	}
	if size != "" {
		env = append(env, "IMAGE_SIZE="+size)
	}

	refPath := ""
	if len(req.Reference) > 0 {
		ref, err := os.CreateTemp("", "reference-*.img")
		if err != nil {
			return Response{}, fmt.Errorf("failed to create reference file: %w", err)
		}
		defer os.Remove(ref.Name())
		_, werr := ref.Write(req.Reference)
		cerr := ref.Close()
		if werr != nil {
			return Response{}, fmt.Errorf("failed to write reference file: %w", werr)
		}
		if cerr != nil {
			return Response{}, fmt.Errorf("failed to write reference file: %w", cerr)
		}
		refPath = ref.Name()
		env = append(env, referenceEnv+"="+refPath)
	}

	args := make([]string, 0, len(b.cfg.Args))
	for _, arg := range b.cfg.Args {
		if arg == referenceArg {
			if refPath == "" {
				continue
			}
			arg = refPath
		}
		args = append(args, arg)
	}
	cmd := newCommand(ctx, b.cfg.Command, args...)
	cmd.Env = env

	stdout, _, err := executeCommand(ctx, cmd, b.pm, []byte(req.Prompt))
	if err != nil {
		return Response{}, err
	}
	if len(stdout) == 0 {
		return Response{}, ErrNoImage
	}
	return Response{Image: stdout, ContentType: "application/octet-stream"}, nil
}

// Close is a no-op; subprocesses never outlive Generate.
func (b *CommandBackend) Close() error {
	return nil
}
