// Package plugins implements the lifecycle event listener: a long-running
// subscriber to the virtualization daemon's event stream that dispatches
// each event to registered plugins. Plugins do simple I/O glue, such as
// keeping SSH client configuration in sync with running nodes.
package plugins

import (
	"context"
	"time"
)

// Event is one lifecycle notification from the virtualization daemon.
type Event struct {
	// Type is the daemon's event class (e.g. "lifecycle").
	Type string `json:"type"`

	// Action is the lifecycle transition (e.g. "instance-started").
	Action string `json:"action"`

	// Node is the physical instance name the event concerns.
	Node string `json:"node"`

	// Timestamp is when the daemon emitted the event.
	Timestamp time.Time `json:"timestamp"`
}

// Plugin reacts to lifecycle events. Handler errors are logged and do not
// stop the listener or other plugins.
type Plugin interface {
	// Name identifies the plugin in logs.
	Name() string

	// HandleEvent processes one event.
	HandleEvent(ctx context.Context, event Event) error
}

// Source streams lifecycle events from a daemon. Closing the returned
// channel signals the stream ended.
type Source interface {
	Events(ctx context.Context) (<-chan Event, error)
}
