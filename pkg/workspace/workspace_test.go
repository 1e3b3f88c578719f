package workspace_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/probelabs/visor/pkg/workspace"
)

func TestNewCreatesIsolatedDirectory(t *testing.T) {
	base := t.TempDir()
	ws := workspace.New(workspace.Options{Base: base, SessionID: "run-1"})
	defer ws.Close()

	if ws.WorkingDirectory != filepath.Join(base, "run-1") {
		t.Fatalf("unexpected working directory: %s", ws.WorkingDirectory)
	}
	if _, err := os.Stat(ws.WorkingDirectory); err != nil {
		t.Fatalf("expected directory to exist: %v", err)
	}
}

func TestCloseRemovesDirectoryByDefault(t *testing.T) {
	base := t.TempDir()
	ws := workspace.New(workspace.Options{Base: base, SessionID: "run-2"})

	if err := ws.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(ws.WorkingDirectory); !os.IsNotExist(err) {
		t.Fatal("expected directory to be removed after Close")
	}
}

func TestCleanupOnExitFalseRetainsDirectory(t *testing.T) {
	base := t.TempDir()
	noCleanup := false
	ws := workspace.New(workspace.Options{Base: base, SessionID: "run-3", CleanupOnExit: &noCleanup})

	if err := ws.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(ws.WorkingDirectory); err != nil {
		t.Fatal("expected directory to survive Close when cleanup_on_exit is false")
	}
}

func TestProjectRootIsSymlinkedUnderMainProjectName(t *testing.T) {
	base := t.TempDir()
	project := t.TempDir()

	ws := workspace.New(workspace.Options{
		Base:            base,
		SessionID:       "run-4",
		ProjectRoot:     project,
		MainProjectName: "my-project",
	})
	defer ws.Close()

	link := filepath.Join(ws.WorkingDirectory, "my-project")
	info, err := os.Lstat(link)
	if err != nil {
		t.Fatalf("expected symlink to exist: %v", err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		t.Fatal("expected a symlink")
	}
}

func TestNewFallsBackToOriginalWorkingDirectoryOnFailure(t *testing.T) {
	// Base pointing at a file (not a directory) makes MkdirAll fail,
	// exercising the non-fatal fallback path (§4.8).
	base := t.TempDir()
	blocker := filepath.Join(base, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	ws := workspace.New(workspace.Options{Base: filepath.Join(blocker, "nested"), SessionID: "run-5"})
	if ws.WorkingDirectory != ws.OriginalWorkingDirectory {
		t.Fatalf("expected fallback to OriginalWorkingDirectory, got %s", ws.WorkingDirectory)
	}
}
