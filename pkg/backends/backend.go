// Package backends provides the node lifecycle abstraction over the
// virtualization technologies labforge can drive. Each backend adapts one
// concrete control surface (the Incus CLI, the Docker engine CLI, or a
// self-supervised QEMU process tree) to the same eleven-operation contract,
// so the planning layer never branches on backend identity.
package backends

import (
	"context"
	"errors"

	"github.com/labforge/labforge/pkg/lab"
)

// NodeBackend is the capability contract every virtualization backend
// implements. All operations are idempotent where the contract says so:
// starting a running node, stopping a stopped node, and removing a node the
// backend has no record of are no-ops, never errors. Backends are stateless
// beyond their lab scope; all real state lives in the external technology
// and is read fresh on each call.
type NodeBackend interface {
	// Provision creates or converges a node to match spec. It is safe to
	// call when a node with the same physical identifier already exists.
	Provision(ctx context.Context, spec lab.NodeSpec) error

	// Remove deletes the node, stopping it first if it is running.
	// Removing an unknown node is a no-op.
	Remove(ctx context.Context, name string) error

	// Start transitions the node to Running. No-op if already running.
	Start(ctx context.Context, name string) error

	// Stop transitions the node to Stopped. No-op if not running.
	Stop(ctx context.Context, name string) error

	// State reports the node's current state. Unknown means the backend
	// has no record of the node.
	State(ctx context.Context, name string) (lab.NodeState, error)

	// ListActive returns the logical names of all nodes the backend
	// currently knows about within this lab's scope.
	ListActive(ctx context.Context) ([]string, error)

	// Exists reports whether the backend has a record of the node.
	Exists(ctx context.Context, name string) (bool, error)

	// SetMetadata attaches one opaque key-value tag to the node.
	SetMetadata(ctx context.Context, name, key, value string) error

	// GetMetadata reads a tag. A missing key yields an empty string, not
	// an error.
	GetMetadata(ctx context.Context, name, key string) (string, error)

	// MountVolume attaches a host path into the node.
	MountVolume(ctx context.Context, name, source, target string, readonly bool) error
}

// ErrUnknownBackend is returned by New for an unrecognized backend kind.
var ErrUnknownBackend = errors.New("unknown backend")

// Metadata keys the core itself depends on. Everything else is opaque
// passthrough.
const (
	// MetaManagedBy marks a node as owned by labforge.
	MetaManagedBy = "managed-by"

	// MetaLab carries the owning lab's name.
	MetaLab = "lab"

	// MetaPinned ("true"/"false") protects a shared node from being
	// suspended by a lab teardown.
	MetaPinned = "pinned"
)
