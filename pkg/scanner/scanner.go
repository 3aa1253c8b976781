package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/silverhalide/filmarc/pkg/infrastructure/config"
	"github.com/silverhalide/filmarc/pkg/infrastructure/logging"
)

// Scanner walks the archive tree and emits classified image entries.
// One file that cannot be read or classified is skipped with a warning;
// it never aborts the walk.
type Scanner struct {
	cfg    config.ArchiveConfig
	full   *config.Config
	logger *logging.Logger

	// Non-nil narrows the walk to these batch names
	batchFilter map[string]bool
}

// New creates a scanner over the configured archive. batches, when
// non-empty, restricts the walk to those batch directories on top of
// whatever the config already restricts.
func New(cfg *config.Config, batches []string, logger *logging.Logger) (*Scanner, error) {
	if cfg.Archive.Root == "" {
		return nil, fmt.Errorf("archive root is not configured")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	s := &Scanner{
		cfg:    cfg.Archive,
		full:   cfg,
		logger: logger.WithComponent("scanner"),
	}
	if len(batches) > 0 {
		s.batchFilter = make(map[string]bool, len(batches))
		for _, b := range batches {
			s.batchFilter[b] = true
		}
	}
	return s, nil
}

// Walk streams every classified image entry to fn in deterministic
// order. Returning an error from fn aborts the walk.
func (s *Scanner) Walk(ctx context.Context, fn func(Entry) error) error {
	batches, err := s.resolveBatches()
	if err != nil {
		return err
	}

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.walkBatch(ctx, batch, fn); err != nil {
			return err
		}
	}
	return nil
}

// Collect runs the walk and groups entries by scene. Within a scene,
// entries are ordered by descending version priority so the first entry
// is the current-version candidate.
func (s *Scanner) Collect(ctx context.Context) (map[SceneKey][]Entry, error) {
	scenes := make(map[SceneKey][]Entry)
	err := s.Walk(ctx, func(e Entry) error {
		scenes[e.Scene] = append(scenes[e.Scene], e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for key, entries := range scenes {
		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].Type.Priority() != entries[j].Type.Priority() {
				return entries[i].Type.Priority() > entries[j].Type.Priority()
			}
			return entries[i].Path < entries[j].Path
		})
		scenes[key] = entries
	}
	return scenes, nil
}

// resolveBatches produces the ordered list of batch directories to walk
func (s *Scanner) resolveBatches() ([]string, error) {
	listed := s.full.EnabledBatches()

	var batches []string
	if listed != nil {
		batches = listed
	} else {
		dirents, err := os.ReadDir(s.cfg.Root)
		if err != nil {
			return nil, fmt.Errorf("cannot read archive root %s: %w", s.cfg.Root, err)
		}
		for _, d := range dirents {
			if d.IsDir() && !strings.HasPrefix(d.Name(), ".") {
				batches = append(batches, d.Name())
			}
		}
	}

	if s.batchFilter != nil {
		var filtered []string
		for _, b := range batches {
			if s.batchFilter[b] {
				filtered = append(filtered, b)
			}
		}
		batches = filtered
	}

	sort.Strings(batches)
	return batches, nil
}

func (s *Scanner) walkBatch(ctx context.Context, batch string, fn func(Entry) error) error {
	batchDir := filepath.Join(s.cfg.Root, batch)
	dirents, err := os.ReadDir(batchDir)
	if err != nil {
		if os.IsNotExist(err) {
			// A listed batch with no directory yet is routine
			s.logger.Warn("batch directory missing, skipping", map[string]interface{}{
				"batch": batch,
				"dir":   batchDir,
			})
			return nil
		}
		return fmt.Errorf("cannot read batch directory %s: %w", batchDir, err)
	}

	allowed := s.allowedDirs(batch)

	for _, d := range dirents {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() {
			continue
		}

		vt, ok := ClassifyDir(d.Name())
		if !ok {
			s.logger.Debug("unclassifiable stage directory, skipping", map[string]interface{}{
				"batch": batch,
				"dir":   d.Name(),
			})
			continue
		}
		if allowed != nil && !allowed[strings.ToLower(d.Name())] {
			continue
		}

		if err := s.walkStageDir(ctx, batch, filepath.Join(batchDir, d.Name()), vt, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) allowedDirs(batch string) map[string]bool {
	dirs := s.full.BatchDirectories(batch)
	if len(dirs) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(dirs))
	for _, d := range dirs {
		allowed[strings.ToLower(d)] = true
	}
	return allowed
}

func (s *Scanner) walkStageDir(ctx context.Context, batch, dir string, vt VersionType, fn func(Entry) error) error {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		s.logger.Warn("cannot read stage directory, skipping", map[string]interface{}{
			"dir":   dir,
			"error": err.Error(),
		})
		return nil
	}

	names := make([]string, 0, len(dirents))
	byName := make(map[string]os.DirEntry, len(dirents))
	for _, d := range dirents {
		names = append(names, d.Name())
		byName[d.Name()] = d
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		d := byName[name]
		if d.IsDir() || !IsImageFile(name) || IsVariantFile(name) {
			continue
		}

		info, err := d.Info()
		if err != nil {
			s.logger.Warn("cannot stat archive file, skipping", map[string]interface{}{
				"path":  filepath.Join(dir, name),
				"error": err.Error(),
			})
			continue
		}

		entry := Entry{
			Scene:   SceneKey{Batch: batch, Base: BaseFilename(name)},
			Type:    vt,
			Path:    filepath.Join(dir, name),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}
