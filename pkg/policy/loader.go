package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Loader reads user policies from a lab's policies/ directory. Each file is
// either a .rego module (name derived from the filename, error severity) or
// a .yaml policy document carrying the full Policy shape.
type Loader struct {
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadDir loads every policy file under dir. A missing directory yields no
// policies and no error.
func (l *Loader) LoadDir(dir string) ([]Policy, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy dir: %w", err)
	}

	var policies []Policy
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		var policy Policy
		switch {
		case strings.HasSuffix(entry.Name(), ".rego"):
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			policy = Policy{
				Name:     strings.TrimSuffix(entry.Name(), ".rego"),
				Rego:     string(data),
				Severity: SeverityError,
				Enabled:  true,
			}
		case strings.HasSuffix(entry.Name(), ".yaml"), strings.HasSuffix(entry.Name(), ".yml"):
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			// Enabled defaults to true, like .rego files; an explicit
			// enabled: false in the document still switches it off.
			policy.Enabled = true
			if err := yaml.Unmarshal(data, &policy); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
			if policy.Name == "" {
				policy.Name = strings.TrimSuffix(strings.TrimSuffix(entry.Name(), ".yml"), ".yaml")
			}
			if policy.Severity == "" {
				policy.Severity = SeverityError
			}
		default:
			continue
		}

		l.logger.Debug().Str("policy", policy.Name).Str("path", path).Msg("Loaded policy")
		policies = append(policies, policy)
	}
	return policies, nil
}

// Watch reloads dir into the engine whenever a policy file changes. Used by
// the long-running listener; one-shot commands load once and move on.
func (l *Loader) Watch(ctx context.Context, dir string, reload func([]Policy)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	l.watcher = watcher

	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go l.processEvents(ctx, dir, reload)
	l.logger.Info().Str("dir", dir).Msg("Watching policy directory")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, dir string, reload func([]Policy)) {
	// Editors fire bursts of events per save; debounce them.
	var reloadTimer *time.Timer
	const reloadDelay = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".rego") &&
				!strings.HasSuffix(event.Name, ".yaml") &&
				!strings.HasSuffix(event.Name, ".yml") {
				continue
			}

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				policies, err := l.LoadDir(dir)
				if err != nil {
					l.logger.Error().Err(err).Msg("Policy reload failed")
					return
				}
				reload(policies)
				l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("Policy watcher error")
		}
	}
}
