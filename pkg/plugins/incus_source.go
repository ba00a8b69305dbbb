package plugins

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// IncusSource streams lifecycle events from `incus monitor`. Each line of
// monitor output is one JSON event document.
type IncusSource struct {
	logger zerolog.Logger
}

// NewIncusSource creates an event source backed by the incus CLI.
func NewIncusSource(logger zerolog.Logger) *IncusSource {
	return &IncusSource{
		logger: logger.With().Str("component", "incus-events").Logger(),
	}
}

// incusEvent is the wire shape of one monitor line.
type incusEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  struct {
		Action string `json:"action"`
		Source string `json:"source"`
		Name   string `json:"name"`
	} `json:"metadata"`
}

// Events spawns the monitor subprocess and streams parsed events until the
// context is cancelled or the subprocess exits.
func (s *IncusSource) Events(ctx context.Context) (<-chan Event, error) {
	cmd := exec.CommandContext(ctx, "incus", "monitor", "--type=lifecycle", "--format=json")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open monitor pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start incus monitor: %w", err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer func() { _ = cmd.Wait() }()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var raw incusEvent
			if err := json.Unmarshal(line, &raw); err != nil {
				s.logger.Warn().Str("line", truncate(string(line), 60)).Msg("Bad event JSON")
				continue
			}

			event := Event{
				Type:      raw.Type,
				Action:    raw.Metadata.Action,
				Node:      raw.Metadata.Name,
				Timestamp: raw.Timestamp,
			}
			if event.Node == "" {
				event.Node = nameFromSource(raw.Metadata.Source)
			}

			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("Monitor stream failed")
		}
	}()

	return events, nil
}

// nameFromSource extracts the instance name from a source path like
// "/1.0/instances/mylab-web".
func nameFromSource(source string) string {
	if source == "" {
		return ""
	}
	for i := len(source) - 1; i >= 0; i-- {
		if source[i] == '/' {
			return source[i+1:]
		}
	}
	return source
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
