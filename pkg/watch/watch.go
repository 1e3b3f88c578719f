// Package watch reloads a config file on change and records a snapshot of
// every version seen, per spec.md §6.
package watch

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/probelabs/visor/pkg/config"
	"github.com/probelabs/visor/pkg/logger"
	"github.com/probelabs/visor/pkg/snapshot"
)

// debounce absorbs the burst of Write/Chmod events a single editor save
// produces into one reload.
const debounce = 150 * time.Millisecond

// Watcher reloads path whenever it changes on disk and hands the new
// Config to OnReload, recording a snapshot either way.
type Watcher struct {
	path     string
	store    *snapshot.Store
	log      logger.Logger
	onReload func(*config.Config)
}

// New builds a Watcher over path. onReload is called with every Config
// that Run successfully reloads; RecordStartup does not call it.
func New(path string, store *snapshot.Store, log logger.Logger, onReload func(*config.Config)) *Watcher {
	return &Watcher{path: path, store: store, log: log, onReload: onReload}
}

// RecordStartup loads path once and records a TriggerStartup snapshot,
// without starting a watch. Call this unconditionally on process start;
// call Run only when the CLI was invoked with a live-reload flag.
func (w *Watcher) RecordStartup(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(w.path)
	if err != nil {
		return nil, err
	}
	if _, err := w.store.Record(ctx, snapshot.TriggerStartup, cfg.Hash, w.rawYAML(), cfg.SourcePath); err != nil {
		w.log.Warn("failed to record startup config snapshot", "error", err)
	}
	return cfg, nil
}

// rawYAML re-reads the watched file for the snapshot's config_yaml column;
// Config itself only carries the hash, not the source bytes. A read
// failure here just means an empty snapshot body, never a failed reload.
func (w *Watcher) rawYAML() string {
	b, err := os.ReadFile(w.path)
	if err != nil {
		return ""
	}
	return string(b)
}

// Run watches path until ctx is cancelled, reloading and re-snapshotting
// on every change. It never returns on a reload failure — a bad edit stays
// on screen in the logs and the previous Config keeps running, matching
// the teacher's fail-open logging-over-crashing posture for background
// watchers.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.path); err != nil {
		return err
	}

	var timer *time.Timer
	reload := func() {
		cfg, err := config.Load(w.path)
		if err != nil {
			w.log.Error("config reload failed", "path", w.path, "error", err)
			return
		}
		if _, err := w.store.Record(ctx, snapshot.TriggerReload, cfg.Hash, w.rawYAML(), cfg.SourcePath); err != nil {
			w.log.Warn("failed to record reload config snapshot", "error", err)
		}
		if w.onReload != nil {
			w.onReload(cfg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				w.log.Warn("config watcher error", "error", err)
			}
		}
	}
}
