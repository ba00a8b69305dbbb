package plugins

import (
	"context"

	"github.com/rs/zerolog"
)

// Manager fans lifecycle events out to registered plugins, one event at a
// time. A failing plugin is logged and skipped; the stream keeps going.
type Manager struct {
	source  Source
	plugins []Plugin
	logger  zerolog.Logger
}

// NewManager creates a dispatcher over the given event source.
func NewManager(source Source, logger zerolog.Logger) *Manager {
	return &Manager{
		source: source,
		logger: logger.With().Str("component", "plugin-manager").Logger(),
	}
}

// Register adds a plugin. Not safe to call after Run has started.
func (m *Manager) Register(p Plugin) {
	m.plugins = append(m.plugins, p)
	m.logger.Info().Str("plugin", p.Name()).Msg("Plugin registered")
}

// Run consumes the event stream until the context is cancelled or the
// stream ends.
func (m *Manager) Run(ctx context.Context) error {
	events, err := m.source.Events(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			m.dispatch(ctx, event)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, event Event) {
	m.logger.Debug().
		Str("action", event.Action).
		Str("node", event.Node).
		Msg("Dispatching event")

	for _, p := range m.plugins {
		if err := p.HandleEvent(ctx, event); err != nil {
			m.logger.Error().Err(err).
				Str("plugin", p.Name()).
				Str("action", event.Action).
				Msg("Plugin failed")
		}
	}
}
