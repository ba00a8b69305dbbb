package backends

import (
	"fmt"

	"github.com/labforge/labforge/pkg/lab"
	"github.com/rs/zerolog"
)

// Kind names a backend implementation.
type Kind string

const (
	KindIncus  Kind = "incus"
	KindDocker Kind = "docker"
	KindQemu   Kind = "qemu"
)

// Options carries cross-backend construction parameters.
type Options struct {
	// Runner executes external commands. Defaults to the os/exec runner.
	Runner Runner

	// StorageDir is where the qemu backend keeps its descriptors, PID
	// files, and disk images. Ignored by the daemon-backed backends.
	StorageDir string

	// Logger is the parent logger; each backend attaches its own
	// component field.
	Logger zerolog.Logger
}

// New constructs the backend for kind, scoped to the given lab prefix.
// Unknown kinds fail closed rather than defaulting.
func New(kind Kind, scope lab.Scope, opts Options) (NodeBackend, error) {
	if opts.Runner == nil {
		opts.Runner = NewRunner(0, opts.Logger)
	}

	switch kind {
	case KindIncus:
		return NewIncusBackend(scope, opts.Runner, opts.Logger), nil
	case KindDocker:
		return NewDockerBackend(scope, opts.Runner, opts.Logger), nil
	case KindQemu:
		return NewQemuBackend(scope, opts.StorageDir, opts.Runner, opts.Logger), nil
	default:
		return nil, fmt.Errorf("%w: %q (want incus, docker, or qemu)", ErrUnknownBackend, kind)
	}
}
