// Package gitops records lab directory changes in a local git repository.
// Commits are bookkeeping, not a consistency mechanism: every failure is
// logged and swallowed so version-control hiccups never break node
// operations.
package gitops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/labforge/labforge/pkg/backends"
)

// Repo commits changes under a lab root directory.
type Repo struct {
	root   string
	runner backends.Runner
	logger zerolog.Logger
}

// NewRepo returns a Repo rooted at root. The directory does not have to be a
// git repository yet; Init creates one.
func NewRepo(root string, runner backends.Runner, logger zerolog.Logger) *Repo {
	return &Repo{
		root:   root,
		runner: runner,
		logger: logger.With().Str("component", "gitops").Logger(),
	}
}

// identityArgs pins author and committer so commits work on machines without
// a global git identity.
func identityArgs() []string {
	return []string{
		"-c", "user.name=labforge",
		"-c", "user.email=labforge@localhost",
	}
}

func (r *Repo) git(ctx context.Context, args ...string) (backends.Result, error) {
	full := append([]string{"-C", r.root}, identityArgs()...)
	full = append(full, args...)
	return r.runner.Run(ctx, "git", full...)
}

// Init creates a git repository at the lab root if one is not already there
// and writes a .gitignore covering runtime state.
func (r *Repo) Init(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(r.root, ".git")); err == nil {
		return nil
	}

	if _, err := r.git(ctx, "init"); err != nil {
		return fmt.Errorf("git init: %w", err)
	}

	ignore := filepath.Join(r.root, ".gitignore")
	if _, err := os.Stat(ignore); os.IsNotExist(err) {
		content := ".labforge/\n*.qcow2\n*.pid\n.env\n"
		if err := os.WriteFile(ignore, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write .gitignore: %w", err)
		}
	}
	return nil
}

// Commit stages everything under the root and commits it with the given
// message. A clean tree is not an error; nothing to commit is normal after
// idempotent operations.
func (r *Repo) Commit(ctx context.Context, message string) error {
	if _, err := os.Stat(filepath.Join(r.root, ".git")); err != nil {
		r.logger.Debug().Msg("Lab root is not a git repository, skipping commit")
		return nil
	}

	if _, err := r.git(ctx, "add", "-A"); err != nil {
		return fmt.Errorf("git add: %w", err)
	}

	status, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("git status: %w", err)
	}
	if strings.TrimSpace(status.Stdout) == "" {
		return nil
	}

	if _, err := r.git(ctx, "commit", "-m", message); err != nil {
		return fmt.Errorf("git commit: %w", err)
	}
	r.logger.Debug().Str("message", message).Msg("Committed lab changes")
	return nil
}
