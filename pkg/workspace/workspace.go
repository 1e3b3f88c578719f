// Package workspace manages the per-run isolated working directory every
// provider executes against (§4.8): created at run start under a system
// temp base, optionally holding a symlinked copy of the project, and
// guaranteed to be cleaned up on every exit path unless disabled.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is one run's isolated working directory.
type Workspace struct {
	// WorkingDirectory is where providers should execute (§4.8).
	WorkingDirectory string
	// OriginalWorkingDirectory is the process's pre-run directory,
	// retained so a failed or disabled workspace still has somewhere
	// valid to run from.
	OriginalWorkingDirectory string

	cleanupOnExit bool
	created       bool
}

// Options configures workspace creation.
type Options struct {
	// Base is the parent directory new workspaces are created under;
	// defaults to os.TempDir().
	Base string
	// SessionID names this run's subdirectory; it defaults to
	// "visor-<pid>" if empty.
	SessionID string
	// ProjectRoot, if set, is symlinked into the workspace under
	// MainProjectName so providers see the project tree at a stable,
	// isolated path (§4.8).
	ProjectRoot     string
	MainProjectName string
	// CleanupOnExit defaults to true; set false to retain the directory
	// after Close (§4.8 `cleanup_on_exit: false`).
	CleanupOnExit *bool
}

// New creates a run's workspace. Init failures are non-fatal per §4.8:
// New never returns an error — on any failure it returns a Workspace whose
// WorkingDirectory falls back to OriginalWorkingDirectory, and the caller
// proceeds from there.
func New(opts Options) *Workspace {
	cleanup := true
	if opts.CleanupOnExit != nil {
		cleanup = *opts.CleanupOnExit
	}

	original, err := os.Getwd()
	if err != nil {
		original = os.TempDir()
	}

	ws := &Workspace{
		WorkingDirectory:         original,
		OriginalWorkingDirectory: original,
		cleanupOnExit:            cleanup,
	}

	base := opts.Base
	if base == "" {
		base = os.TempDir()
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = fmt.Sprintf("visor-%d", os.Getpid())
	}

	dir := filepath.Join(base, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		// Non-fatal: fall back to OriginalWorkingDirectory (§4.8).
		return ws
	}

	if opts.ProjectRoot != "" {
		name := opts.MainProjectName
		if name == "" {
			name = filepath.Base(opts.ProjectRoot)
		}
		link := filepath.Join(dir, name)
		if err := os.Symlink(opts.ProjectRoot, link); err != nil {
			// Non-fatal: the bare directory still stands; a provider
			// that needs the project copy will fail its own validation,
			// but workspace creation itself is not aborted.
			_ = err
		}
	}

	ws.WorkingDirectory = dir
	ws.created = true
	return ws
}

// Close removes the workspace directory unless cleanup_on_exit was set to
// false, and is safe to call on every exit path (success, failure,
// cancellation, crash) — it is a no-op if New never created a directory.
func (w *Workspace) Close() error {
	if !w.created || !w.cleanupOnExit {
		return nil
	}
	return os.RemoveAll(w.WorkingDirectory)
}
