package gitsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrNotGitRepo bedeutet, dass das Analyse-Verzeichnis kein git working tree ist.
var ErrNotGitRepo = errors.New("not a git repository")

// SyncError beschreibt einen fehlgeschlagenen git-Schritt samt Ausgabe.
type SyncError struct {
	Step   string
	Err    error
	Output string
}

func (e *SyncError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("git %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("git %s: %v: %s", e.Step, e.Err, e.Output)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Repo führt git-Befehle im Analyse-Verzeichnis aus. Alle Aufrufe sind serialisiert.
type Repo struct {
	Root    string
	Remote  string
	Branch  string
	Timeout time.Duration

	mu sync.Mutex
}

// NewRepo erstellt ein Repo für root.
func NewRepo(root, remote, branch string, timeout time.Duration) *Repo {
	return &Repo{Root: root, Remote: remote, Branch: branch, Timeout: timeout}
}

func (r *Repo) run(ctx context.Context, step string, args ...string) (string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", r.Root}, args...)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return out.String(), &SyncError{Step: step, Err: err, Output: strings.TrimSpace(out.String())}
	}
	return out.String(), nil
}

// Check prüft, ob Root in einem git-Repository liegt.
func (r *Repo) Check(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.run(ctx, "rev-parse", "rev-parse", "--show-toplevel"); err != nil {
		return fmt.Errorf("%s: %w", r.Root, ErrNotGitRepo)
	}
	return nil
}

// Publish stellt name (und die Entfernung von previous) bereit, committet,
// holt den Remote-Stand und pusht. Gibt es nichts zu committen, wird trotzdem
// synchronisiert, damit frühere fehlgeschlagene Pushes nachgeholt werden.
func (r *Repo) Publish(ctx context.Context, name, previous, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if previous != "" && previous != name {
		if _, err := r.run(ctx, "rm", "rm", "-r", "--cached", "--ignore-unmatch", "-q", "--", previous); err != nil {
			return err
		}
	}
	if _, err := os.Stat(filepath.Join(r.Root, name)); err == nil {
		if _, err := r.run(ctx, "add", "add", "-A", "--", name); err != nil {
			return err
		}
	}

	staged, err := r.hasStaged(ctx)
	if err != nil {
		return err
	}
	if staged {
		if _, err := r.run(ctx, "commit", "commit", "-q", "-m", message); err != nil {
			return err
		}
	}

	if err := r.pull(ctx); err != nil {
		return err
	}
	_, err = r.run(ctx, "push", r.refArgs("push")...)
	return err
}

// Pull holt den Remote-Stand ins Analyse-Verzeichnis.
func (r *Repo) Pull(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pull(ctx)
}

func (r *Repo) pull(ctx context.Context) error {
	_, err := r.run(ctx, "pull", r.refArgs("pull", "--no-edit")...)
	return err
}

// hasStaged meldet, ob der Index Änderungen gegenüber HEAD enthält.
func (r *Repo) hasStaged(ctx context.Context) (bool, error) {
	_, err := r.run(ctx, "diff", "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, err
}

func (r *Repo) refArgs(cmd string, flags ...string) []string {
	args := append([]string{cmd}, flags...)
	if r.Remote != "" {
		args = append(args, r.Remote)
		if r.Branch != "" {
			args = append(args, r.Branch)
		}
	}
	return args
}
