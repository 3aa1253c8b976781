// filmarc-sync reconciles the photo archive with the scene ledger and
// the content store.
//
// Usage:
//
//	filmarc-sync -images DIR [-batch NAME]... [-dry-run] [-db-only]
//	             [-images-only] [-watch] [-config FILE]
//
// Exit status: 0 on full success, 1 when one or more scenes failed or
// the run was interrupted, 2 when the run could not start at all.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/silverhalide/filmarc/pkg/infrastructure/config"
	"github.com/silverhalide/filmarc/pkg/infrastructure/logging"
	"github.com/silverhalide/filmarc/pkg/ledger"
	"github.com/silverhalide/filmarc/pkg/reconcile"
	"github.com/silverhalide/filmarc/pkg/scanner"
	"github.com/silverhalide/filmarc/pkg/search"
	"github.com/silverhalide/filmarc/pkg/storage"
)

const (
	exitOK      = 0
	exitPartial = 1
	exitFatal   = 2
)

// stringList implements flag.Value for repeatable flags
type stringList []string

func (s *stringList) String() string {
	return fmt.Sprint(*s)
}

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var batches stringList
	var (
		configFile = flag.String("config", "", "Configuration file path")
		imagesDir  = flag.String("images", "", "Archive root directory (overrides config)")
		dryRun     = flag.Bool("dry-run", false, "Classify and report without uploading or writing the ledger")
		dbOnly     = flag.Bool("db-only", false, "Write the ledger but skip uploads")
		imagesOnly = flag.Bool("images-only", false, "Upload but skip ledger writes")
		watch      = flag.Bool("watch", false, "Keep running and re-sync when the archive changes")
	)
	flag.Var(&batches, "batch", "Restrict to a batch (repeatable)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitFatal
	}
	if *imagesDir != "" {
		cfg.Archive.Root = *imagesDir
	}
	if cfg.Archive.Root == "" {
		fmt.Fprintf(os.Stderr, "Archive root required: pass -images or set archive.root in config\n")
		return exitFatal
	}

	logger := newLogger(cfg)
	logging.SetGlobalLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := reconcile.Options{
		DryRun:     *dryRun,
		DBOnly:     *dbOnly,
		ImagesOnly: *imagesOnly,
		Batches:    batches,
	}

	// One sync run per ledger at a time
	lock, err := ledger.AcquireRunLock(cfg.Ledger.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot start: %v\n", err)
		return exitFatal
	}
	defer lock.Release()

	led, err := ledger.Open(cfg.Ledger.Path, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot open ledger: %v\n", err)
		return exitFatal
	}
	defer led.Close()

	backend, err := storage.CreateBackend(cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot create storage backend: %v\n", err)
		return exitFatal
	}

	var searchIx *search.Index
	if path := cfg.SearchIndexPath(); path != "" && !*imagesOnly && !*dryRun {
		searchIx, err = search.Open(path, logger)
		if err != nil {
			logger.Warn("search index unavailable, continuing without it", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
		} else {
			defer searchIx.Close()
		}
	}

	rec := reconcile.New(cfg, led, backend, searchIx, logger)

	status := syncOnce(ctx, rec, opts)
	if *dryRun || !*watch || status == exitFatal {
		return status
	}

	return watchLoop(ctx, cfg, rec, opts, logger, status)
}

func syncOnce(ctx context.Context, rec *reconcile.Reconciler, opts reconcile.Options) int {
	summary, err := rec.Run(ctx, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sync failed: %v\n", err)
		return exitFatal
	}

	if opts.DryRun {
		fmt.Printf("Plan: %s\n", summary.Plan.String())
		return exitOK
	}

	fmt.Printf("Sync %s: %d scenes scanned, %d versions uploaded, %d failures\n",
		summary.Status, summary.ScenesScanned, summary.VersionsUploaded, summary.Failures)
	return exitStatus(summary)
}

// exitStatus maps a finished run to the process exit code. An
// interrupted run counts as incomplete even when no scene failure was
// recorded: scenes the interrupt left unsynced never reach the failure
// counter.
func exitStatus(summary *reconcile.RunSummary) int {
	if summary.Status == ledger.RunStatusFailed || summary.Failures > 0 {
		return exitPartial
	}
	return exitOK
}

// watchLoop re-runs sync whenever the archive settles after a change.
// The loop's exit status reflects the worst run seen.
func watchLoop(ctx context.Context, cfg *config.Config, rec *reconcile.Reconciler, opts reconcile.Options, logger *logging.Logger, status int) int {
	watcher, err := scanner.NewWatcher(cfg.Archive.Root, 0, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot watch archive: %v\n", err)
		return exitFatal
	}
	defer watcher.Stop()

	logger.Info("watching archive for changes", map[string]interface{}{
		"root": cfg.Archive.Root,
	})

	for {
		select {
		case <-ctx.Done():
			return status
		case <-watcher.Triggers():
			if s := syncOnce(ctx, rec, opts); s > status {
				status = s
			}
		}
	}
}

func newLogger(cfg *config.Config) *logging.Logger {
	level, err := logging.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.InfoLevel
	}
	format := logging.TextFormat
	if cfg.Logging.Format == "json" {
		format = logging.JSONFormat
	}
	return logging.NewLogger(&logging.Config{
		Level:  level,
		Format: format,
		Output: os.Stderr,
	})
}
