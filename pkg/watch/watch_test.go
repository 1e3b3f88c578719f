package watch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelabs/visor/pkg/config"
	"github.com/probelabs/visor/pkg/logger"
	"github.com/probelabs/visor/pkg/snapshot"
	"github.com/probelabs/visor/pkg/watch"
)

const baseYAML = `
version: "1"
steps:
  lint:
    type: command
    on: pull_request
`

func writeConfig(t *testing.T, path, yaml string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
}

func TestRecordStartupLoadsConfigAndRecordsSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "visor.yaml")
	writeConfig(t, cfgPath, baseYAML)

	store, err := snapshot.Open(filepath.Join(dir, "snapshots.db"), 3)
	require.NoError(t, err)
	defer store.Close()

	w := watch.New(cfgPath, store, logger.NewDefaultLogger(), nil)
	cfg, err := w.RecordStartup(context.Background())
	require.NoError(t, err)
	assert.Contains(t, cfg.Steps, "lint")

	list, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, snapshot.TriggerStartup, list[0].Trigger)
	assert.Equal(t, cfg.Hash, list[0].ConfigHash)
}

func TestRunReloadsOnFileChangeAndRecordsSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "visor.yaml")
	writeConfig(t, cfgPath, baseYAML)

	store, err := snapshot.Open(filepath.Join(dir, "snapshots.db"), 3)
	require.NoError(t, err)
	defer store.Close()

	reloaded := make(chan string, 1)
	w := watch.New(cfgPath, store, logger.NewDefaultLogger(), func(cfg *config.Config) {
		reloaded <- cfg.Hash
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	// Give fsnotify a moment to register the watch before mutating the file.
	time.Sleep(50 * time.Millisecond)
	writeConfig(t, cfgPath, baseYAML+"\n  scan:\n    type: command\n    on: pull_request\n")

	select {
	case hash := <-reloaded:
		assert.NotEmpty(t, hash)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload callback")
	}

	cancel()
	<-done

	list, err := store.List(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(list), 1)
}
