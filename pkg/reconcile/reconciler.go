// Package reconcile drives a sync run: diff the scanned archive against
// the ledger, upload what the diff demands, and record the outcome so
// the next run can pick up exactly where this one left off. Every step
// is idempotent against ledger state; resumability falls out of
// re-diffing rather than retry bookkeeping.
package reconcile

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/silverhalide/filmarc/pkg/fingerprint"
	"github.com/silverhalide/filmarc/pkg/infrastructure/config"
	"github.com/silverhalide/filmarc/pkg/infrastructure/logging"
	"github.com/silverhalide/filmarc/pkg/infrastructure/workers"
	"github.com/silverhalide/filmarc/pkg/ledger"
	"github.com/silverhalide/filmarc/pkg/scanner"
	"github.com/silverhalide/filmarc/pkg/search"
	"github.com/silverhalide/filmarc/pkg/storage"
)

// Options selects the run mode
type Options struct {
	// DryRun classifies and reports without mutating ledger or store
	DryRun bool

	// DBOnly records ledger rows but skips uploads; rows stay non-live
	// until a later full run transfers them.
	DBOnly bool

	// ImagesOnly uploads without touching the ledger, for replaying
	// transfers after a ledger restore.
	ImagesOnly bool

	// Batches restricts the run to the named batches
	Batches []string
}

func (o *Options) validate() error {
	if o.DBOnly && o.ImagesOnly {
		return fmt.Errorf("db-only and images-only are mutually exclusive")
	}
	return nil
}

func (o *Options) syncType() string {
	switch {
	case o.DryRun:
		return "dry_run"
	case o.DBOnly:
		return "db_only"
	case o.ImagesOnly:
		return "images_only"
	default:
		return "full"
	}
}

func (o *Options) uploads() bool  { return !o.DryRun && !o.DBOnly }
func (o *Options) writesDB() bool { return !o.DryRun && !o.ImagesOnly }

// RunSummary is the outcome of one sync run
type RunSummary struct {
	RunID            int64
	Plan             Plan
	ScenesScanned    int
	VersionsUploaded int
	Failures         int
	Status           string
}

// Reconciler coordinates one or more sync runs over a fixed set of
// collaborators.
type Reconciler struct {
	cfg     *config.Config
	led     *ledger.Ledger
	backend storage.Backend
	search  *search.Index
	logger  *logging.Logger

	fpPool    *workers.Pool
	scenePool *workers.Pool
	opTimeout time.Duration
}

// New assembles a reconciler. searchIx may be nil when full-text
// indexing is disabled.
func New(cfg *config.Config, led *ledger.Ledger, backend storage.Backend, searchIx *search.Index, logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Reconciler{
		cfg:       cfg,
		led:       led,
		backend:   backend,
		search:    searchIx,
		logger:    logger.WithComponent("reconcile"),
		fpPool:    workers.NewPool(cfg.Sync.FingerprintWorkers),
		scenePool: workers.NewPool(cfg.Sync.UploadWorkers),
		opTimeout: time.Duration(cfg.Storage.OperationTimeout) * time.Second,
	}
}

// Run executes one sync pass. Scene-level failures are absorbed into
// the summary; only conditions that prevent the run from starting at
// all come back as an error.
func (r *Reconciler) Run(ctx context.Context, opts Options) (*RunSummary, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if opts.uploads() {
		connectCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
		err := r.backend.Connect(connectCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("storage backend %s unavailable: %w", r.backend.Name(), err)
		}
	}

	sc, err := scanner.New(r.cfg, opts.Batches, r.logger)
	if err != nil {
		return nil, err
	}
	scenes, err := sc.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive scan failed: %w", err)
	}

	keys := make([]scanner.SceneKey, 0, len(scenes))
	for key := range scenes {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Batch != keys[j].Batch {
			return keys[i].Batch < keys[j].Batch
		}
		return keys[i].Base < keys[j].Base
	})

	summary := &RunSummary{ScenesScanned: len(keys)}

	// Classification phase: read-only against ledger and disk
	diffs := make([]*SceneDiff, 0, len(keys))
	for _, key := range keys {
		diff, err := diffScene(ctx, r.led, key, scenes[key])
		if err != nil {
			r.logger.Error("scene classification failed", map[string]interface{}{
				"batch": key.Batch,
				"scene": key.Base,
				"error": err.Error(),
			})
			summary.Failures++
			continue
		}
		summary.Plan.add(diff)
		diffs = append(diffs, diff)
	}

	if opts.DryRun {
		summary.Status = ledger.RunStatusOK
		if summary.Failures > 0 {
			summary.Status = ledger.RunStatusPartial
		}
		return summary, nil
	}

	if opts.writesDB() {
		runID, err := r.led.StartRun(ctx, opts.syncType())
		if err != nil {
			return nil, err
		}
		summary.RunID = runID
	}

	var mu sync.Mutex
	tasks := make([]workers.Task, 0, len(diffs))
	for _, diff := range diffs {
		diff := diff
		tasks = append(tasks, func(ctx context.Context) error {
			uploaded, err := r.processScene(ctx, diff, opts)
			mu.Lock()
			summary.VersionsUploaded += uploaded
			if err != nil {
				summary.Failures++
			}
			mu.Unlock()
			if err != nil {
				r.logger.Error("scene sync failed", map[string]interface{}{
					"scene_id": diff.SceneID,
					"batch":    diff.Key.Batch,
					"error":    err.Error(),
				})
			}
			return err
		})
	}
	r.scenePool.Run(ctx, tasks)

	summary.Status = ledger.RunStatusOK
	if summary.Failures > 0 {
		summary.Status = ledger.RunStatusPartial
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		summary.Status = ledger.RunStatusFailed
	}

	if opts.writesDB() {
		errMsg := ""
		if summary.Failures > 0 {
			errMsg = fmt.Sprintf("%d scene(s) failed", summary.Failures)
		}
		if err := r.led.CompleteRun(context.WithoutCancel(ctx), summary.RunID, summary.Status,
			summary.ScenesScanned, summary.VersionsUploaded, summary.Failures, errMsg); err != nil {
			r.logger.Error("failed to finalize run record", map[string]interface{}{
				"run_id": summary.RunID,
				"error":  err.Error(),
			})
		}
	}

	return summary, nil
}

// processScene applies one scene's diff. Returns the number of version
// objects uploaded. An error here is a scene-level failure; the caller
// logs it and moves on.
func (r *Reconciler) processScene(ctx context.Context, diff *SceneDiff, opts Options) (int, error) {
	if !r.sceneNeedsWork(ctx, diff) {
		return 0, nil
	}

	// Full fingerprints only for content that is new or changed
	prints, fpFailed := r.computeFingerprints(ctx, diff)

	uploaded := 0
	uploadedOK := make(map[string]bool)
	uploadFailed := make(map[string]bool)
	if opts.uploads() {
		for i := range diff.Candidates {
			c := &diff.Candidates[i]
			if c.State == StateUnchanged || fpFailed[c.VersionID] {
				continue
			}
			key := storage.ObjectKey(diff.SceneID, c.Entry.Type.String(), c.ext())
			if err := r.uploadFile(ctx, key, c.Entry.Path, c.Entry.Size); err != nil {
				// The row is never written, so the next run re-diffs
				// this file back to NEW and retries.
				r.logger.Warn("upload failed, version stays pending", map[string]interface{}{
					"scene_id": diff.SceneID,
					"key":      key,
					"error":    err.Error(),
				})
				uploadFailed[c.VersionID] = true
				continue
			}
			uploadedOK[c.VersionID] = true
			uploaded++
		}
	}

	// A candidate is settled when nothing further is owed for it in
	// this mode; only settled candidates may become current.
	settled := func(c *Candidate) bool {
		if fpFailed[c.VersionID] || uploadFailed[c.VersionID] {
			return false
		}
		if c.State == StateUnchanged {
			return true
		}
		if opts.uploads() {
			return uploadedOK[c.VersionID]
		}
		return true
	}

	currentID := ""
	var currentCandidate *Candidate
	for i := range diff.Candidates {
		c := &diff.Candidates[i]
		if settled(c) {
			currentID = c.VersionID
			currentCandidate = c
			break
		}
		// An unsettled candidate never hands current down the priority
		// order: the prior current stays promoted until its replacement
		// is confirmed, so the scene keeps serving what it served
		// before the failed run.
		if diff.PriorCurrentID != "" {
			currentID = diff.PriorCurrentID
			break
		}
	}

	var sceneErr error
	if failures := len(fpFailed) + len(uploadFailed); failures > 0 {
		sceneErr = fmt.Errorf("%d version(s) of scene %s not synced", failures, diff.SceneID)
	}

	if opts.writesDB() {
		rows := r.buildRows(diff, prints, uploadedOK, opts)
		scene := &ledger.Scene{
			SceneID:      diff.SceneID,
			BatchName:    diff.Key.Batch,
			BaseFilename: diff.Key.Base,
		}
		if err := r.led.UpsertScene(ctx, scene); err != nil {
			return uploaded, err
		}
		if err := r.led.RecordSceneSync(ctx, diff.SceneID, rows, currentID); err != nil {
			return uploaded, err
		}
		if r.search != nil {
			if stored, err := r.led.GetScene(ctx, diff.SceneID); err == nil && stored != nil {
				if err := r.search.IndexScene(stored); err != nil {
					r.logger.Warn("search indexing failed", map[string]interface{}{
						"scene_id": diff.SceneID,
						"error":    err.Error(),
					})
				}
			}
		}
	}

	if opts.uploads() && currentCandidate != nil &&
		(uploaded > 0 || diff.PriorCurrentID != currentID) {
		if err := r.publishManifest(ctx, diff.SceneID, currentCandidate, prints); err != nil {
			r.logger.Warn("manifest publish failed", map[string]interface{}{
				"scene_id": diff.SceneID,
				"error":    err.Error(),
			})
			if sceneErr == nil {
				sceneErr = err
			}
		}
	}

	return uploaded, sceneErr
}

// sceneNeedsWork reports whether the diff demands any mutation. A scene
// that is fully unchanged with a correct current flag and an existing
// ledger row is skipped entirely, which is what makes a second run
// produce zero writes.
func (r *Reconciler) sceneNeedsWork(ctx context.Context, diff *SceneDiff) bool {
	for _, c := range diff.Candidates {
		if c.State != StateUnchanged {
			return true
		}
	}
	if diff.Stale > 0 || diff.PriorCurrentID != diff.CurrentVersionID {
		return true
	}
	scene, err := r.led.GetScene(ctx, diff.SceneID)
	return err != nil || scene == nil
}

// computeFingerprints runs the expensive pixel-decoding fingerprints on
// the bounded pool. Undecodable files are dropped from the scene with a
// warning; the rest of the scene proceeds.
func (r *Reconciler) computeFingerprints(ctx context.Context, diff *SceneDiff) (map[string]*fingerprint.Fingerprint, map[string]bool) {
	prints := make(map[string]*fingerprint.Fingerprint)
	failed := make(map[string]bool)

	var mu sync.Mutex
	var tasks []workers.Task
	for i := range diff.Candidates {
		c := &diff.Candidates[i]
		if c.State == StateUnchanged {
			continue
		}
		tasks = append(tasks, func(ctx context.Context) error {
			fp, err := fingerprint.ComputeFile(c.Entry.Path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("fingerprint failed, skipping file", map[string]interface{}{
					"path":  c.Entry.Path,
					"error": err.Error(),
				})
				failed[c.VersionID] = true
				return nil
			}
			prints[c.VersionID] = fp
			return nil
		})
	}
	r.fpPool.Run(ctx, tasks)

	return prints, failed
}

// buildRows assembles the ledger rows this mode is allowed to write
func (r *Reconciler) buildRows(diff *SceneDiff, prints map[string]*fingerprint.Fingerprint, uploadedOK map[string]bool, opts Options) []*ledger.ImageVersion {
	var rows []*ledger.ImageVersion
	for i := range diff.Candidates {
		c := &diff.Candidates[i]
		if c.State == StateUnchanged {
			continue
		}
		fp, ok := prints[c.VersionID]
		if !ok {
			continue
		}

		row := &ledger.ImageVersion{
			VersionID:             c.VersionID,
			SceneID:               diff.SceneID,
			VersionType:           c.Entry.Type.String(),
			LocalPath:             c.Entry.Path,
			ExactDigest:           c.Digest,
			PerceptualFingerprint: fp.PerceptualHex(),
			FileSize:              fp.Size,
			Width:                 fp.Width,
			Height:                fp.Height,
		}
		if opts.uploads() {
			if !uploadedOK[c.VersionID] {
				// Never record a row for an unconfirmed upload
				continue
			}
			row.StorageKey = storage.ObjectKey(diff.SceneID, c.Entry.Type.String(), c.ext())
		}
		rows = append(rows, row)
	}
	return rows
}

// uploadFile streams one file into the backend under key, bounded by
// the configured per-operation timeout.
func (r *Reconciler) uploadFile(ctx context.Context, key, path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	return r.backend.Put(opCtx, key, f, size, storage.ContentTypeForExt(filepath.Ext(path)))
}

// publishManifest uploads any upstream size renditions sitting next to
// the current version and writes the scene manifest plus its
// extensionless mirror.
func (r *Reconciler) publishManifest(ctx context.Context, sceneID string, current *Candidate, prints map[string]*fingerprint.Fingerprint) error {
	ext := current.ext()
	manifest := &storage.Manifest{
		SceneID:     sceneID,
		Variants:    make(map[string]storage.ManifestVariant),
		GeneratedAt: time.Now().UTC(),
	}

	originalKey := storage.ObjectKey(sceneID, current.Entry.Type.String(), ext)
	original := storage.ManifestVariant{
		Key:         originalKey,
		ContentType: storage.ContentTypeForExt(ext),
	}
	if fp, ok := prints[current.VersionID]; ok {
		original.Width = fp.Width
	} else if current.Prior != nil {
		original.Width = current.Prior.Width
	}
	manifest.Variants["original"] = original

	dir := filepath.Dir(current.Entry.Path)
	stem := scanner.BaseFilename(filepath.Base(current.Entry.Path))
	for _, variant := range []string{"thumb", "small", "large"} {
		path := filepath.Join(dir, stem+"_"+variant+ext)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}

		key := storage.ObjectKey(sceneID, variant, ext)
		if err := r.uploadFile(ctx, key, path, info.Size()); err != nil {
			return fmt.Errorf("failed to upload %s variant: %w", variant, err)
		}

		mv := storage.ManifestVariant{
			Key:         key,
			ContentType: storage.ContentTypeForExt(ext),
		}
		if w, _, err := fingerprint.Dimensions(path); err == nil {
			mv.Width = w
		}
		manifest.Variants[variant] = mv
	}

	data, err := manifest.Encode()
	if err != nil {
		return err
	}
	if err := r.putBytes(ctx, storage.ManifestKey(sceneID), data, "application/json"); err != nil {
		return fmt.Errorf("failed to upload manifest: %w", err)
	}
	// The extensionless mirror collides with the {scene_id}/ directory
	// on a filesystem tree; only object stores can hold both.
	if r.backend.Name() != "local" {
		if err := r.putBytes(ctx, storage.MirrorKey(sceneID), data, "application/json"); err != nil {
			return fmt.Errorf("failed to upload manifest mirror: %w", err)
		}
	}
	return nil
}

func (r *Reconciler) putBytes(ctx context.Context, key string, data []byte, contentType string) error {
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	return r.backend.Put(opCtx, key, bytes.NewReader(data), int64(len(data)), contentType)
}
