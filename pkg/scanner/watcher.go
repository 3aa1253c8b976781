package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/silverhalide/filmarc/pkg/infrastructure/logging"
)

// Watcher observes the archive tree and coalesces change bursts into
// re-sync triggers. Because sync is an idempotent re-diff, the watcher
// does not need to report which file changed, only that something did.
type Watcher struct {
	watcher  *fsnotify.Watcher
	triggers chan struct{}
	logger   *logging.Logger
	settle   time.Duration

	mu      sync.Mutex
	watched map[string]bool
	timer   *time.Timer

	cancel context.CancelFunc
	done   chan struct{}
}

// DefaultSettleDelay is how long the archive must stay quiet before a
// change burst produces a trigger. Bulk copies into the archive fire
// hundreds of events; one trigger at the end is enough.
const DefaultSettleDelay = 2 * time.Second

// NewWatcher starts watching root and its subdirectories
func NewWatcher(root string, settle time.Duration, logger *logging.Logger) (*Watcher, error) {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		watcher:  fsw,
		triggers: make(chan struct{}, 1),
		logger:   logger.WithComponent("watcher"),
		settle:   settle,
		watched:  make(map[string]bool),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	if err := w.addTree(root); err != nil {
		fsw.Close()
		cancel()
		return nil, err
	}

	go w.eventLoop(ctx)
	return w, nil
}

// Triggers returns the channel that fires after the archive settles
// following a change.
func (w *Watcher) Triggers() <-chan struct{} {
	return w.triggers
}

// Stop shuts the watcher down
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) addTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			w.logger.Warn("cannot watch path, skipping", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if err := w.addDir(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) addDir(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched[path] {
		return nil
	}
	if err := w.watcher.Add(path); err != nil {
		return err
	}
	w.watched[path] = true
	return nil
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// New directories must join the watch before their contents settle
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("cannot watch new directory", map[string]interface{}{
					"path":  event.Name,
					"error": err.Error(),
				})
			}
		}
	}

	if !w.relevant(event) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.settle, func() {
		select {
		case w.triggers <- struct{}{}:
		default:
			// A trigger is already pending; the next run covers this too
		}
	})
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	base := filepath.Base(event.Name)
	if len(base) > 0 && base[0] == '.' {
		return false
	}
	// Directory events matter (new stage dirs); file events only for
	// image files.
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		return true
	}
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		return true
	}
	return IsImageFile(base)
}
