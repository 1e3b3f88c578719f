package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/probelabs/visor/pkg/config"
	"github.com/probelabs/visor/pkg/logger"
	"github.com/probelabs/visor/pkg/model"
	"github.com/probelabs/visor/pkg/snapshot"
	"github.com/probelabs/visor/pkg/watch"
	"github.com/spf13/cobra"
)

var (
	cfgFile        string
	checks         []string
	outputFormat   string
	maxParallelism int
	failFast       bool
	watchMode      bool
	snapshotDBPath string

	eventType  string
	branch     string
	baseBranch string
	files      []string

	rootCmd = &cobra.Command{
		Use:   "visor",
		Short: "Run a config-driven check plan against an event",
		Long: `visor plans and executes the checks declared in visor.yaml for a single
event, following on_success/on_fail routing and goto_event re-entries to
completion, then prints the aggregated findings.`,
		RunE:          runRoot,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "path to visor.yaml (default: discovered per VISOR_STRICT_CONFIG_NAME rules)")
	rootCmd.Flags().StringSliceVar(&checks, "check", nil, "run only these checks (repeatable); default is every check the event triggers")
	rootCmd.Flags().StringVar(&outputFormat, "output", "table", "output format: table|json|markdown|sarif")
	rootCmd.Flags().IntVar(&maxParallelism, "max-parallelism", 3, "maximum steps running concurrently")
	rootCmd.Flags().BoolVar(&failFast, "fail-fast", false, "cancel remaining steps after the first failure")
	rootCmd.Flags().BoolVar(&watchMode, "watch", false, "keep running, re-executing the event whenever the config file changes")
	rootCmd.Flags().StringVar(&snapshotDBPath, "snapshot-db", ".visor/snapshots.db", "sqlite file config snapshots are recorded to")

	rootCmd.Flags().StringVar(&eventType, "event", string(model.EventManual), "event type to plan against (pr_opened|pr_updated|pr_closed|issue_opened|issue_comment|manual|schedule|webhook_received)")
	rootCmd.Flags().StringVar(&branch, "branch", "", "branch name carried on the event")
	rootCmd.Flags().StringVar(&baseBranch, "base-branch", "", "base branch name carried on the event")
	rootCmd.Flags().StringSliceVar(&files, "file", nil, "changed file path carried on the event (repeatable)")
}

func runRoot(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	log := logger.NewDefaultLogger()

	path := cfgFile
	if path == "" {
		resolved, err := config.DefaultConfigPath(".", nil)
		if err != nil {
			return exitErr{code: 2, err: fmt.Errorf("resolve config: %w", err)}
		}
		path = resolved
	}

	store, err := snapshot.Open(snapshotDBPath, 0)
	if err != nil {
		return exitErr{code: 2, err: fmt.Errorf("open snapshot store: %w", err)}
	}
	defer store.Close()

	watcher := watch.New(path, store, log, nil)
	cfg, err := watcher.RecordStartup(ctx)
	if err != nil {
		return exitErr{code: 2, err: fmt.Errorf("load config: %w", err)}
	}

	event := model.Event{
		Type:         model.EventType(eventType),
		Branch:       branch,
		BaseBranch:   baseBranch,
		FilesChanged: files,
	}

	var mu sync.Mutex
	execute := func(cfg *config.Config) ([]runOutcome, *runState, error) {
		rs, err := newRunState(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		outcomes, err := runEvent(ctx, rs, event, checks, maxParallelism, failFast)
		return outcomes, rs, err
	}

	outcomes, rs, err := execute(cfg)
	if err != nil {
		return exitErr{code: 2, err: err}
	}
	defer rs.close()
	if err := render(os.Stdout, outputFormat, outcomes); err != nil {
		return exitErr{code: 2, err: err}
	}
	tripped := rs.latch.Tripped() || hasUserVisibleError(outcomes)

	if !watchMode {
		if tripped {
			return exitErr{code: 1}
		}
		return nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watcher = watch.New(path, store, log, func(newCfg *config.Config) {
		mu.Lock()
		defer mu.Unlock()
		log.Info("config changed, re-running event", "hash", newCfg.Hash)
		newOutcomes, newRS, err := execute(newCfg)
		if err != nil {
			log.Error("re-run after config reload failed", "error", err)
			return
		}
		defer newRS.close()
		if err := render(os.Stdout, outputFormat, newOutcomes); err != nil {
			log.Error("render after config reload failed", "error", err)
		}
	})

	go func() {
		if err := watcher.Run(watchCtx); err != nil {
			log.Error("config watcher exited", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("received signal, shutting down")
	return nil
}

// exitErr carries the process exit code spec.md §6 assigns a failure mode:
// 0 clean, 1 a user-visible error or halt survived routing, 2 the run
// never reached a plan (config/plan construction failed).
type exitErr struct {
	code int
	err  error
}

func (e exitErr) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if ee, ok := err.(exitErr); ok {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}
