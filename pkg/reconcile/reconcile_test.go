package reconcile

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/silverhalide/filmarc/pkg/fingerprint"
	"github.com/silverhalide/filmarc/pkg/infrastructure/config"
	"github.com/silverhalide/filmarc/pkg/infrastructure/logging"
	"github.com/silverhalide/filmarc/pkg/ledger"
	"github.com/silverhalide/filmarc/pkg/similarity"
	"github.com/silverhalide/filmarc/pkg/storage"
)

// testEnv wires a real archive tree, ledger and local backend in temp
// directories.
type testEnv struct {
	cfg     *config.Config
	led     *ledger.Ledger
	backend storage.Backend
	rec     *Reconciler
	root    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	base := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Archive.Root = filepath.Join(base, "archive")
	cfg.Storage.BasePath = filepath.Join(base, "store")
	cfg.Ledger.Path = filepath.Join(base, "ledger.db")
	cfg.Sync.FingerprintWorkers = 2
	cfg.Sync.UploadWorkers = 2

	if err := os.MkdirAll(cfg.Archive.Root, 0755); err != nil {
		t.Fatal(err)
	}

	logger := logging.NewLogger(&logging.Config{
		Level:  logging.ErrorLevel,
		Output: io.Discard,
	})

	led, err := ledger.Open(cfg.Ledger.Path, logger)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	backend, err := storage.CreateBackend(cfg.Storage)
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}

	return &testEnv{
		cfg:     cfg,
		led:     led,
		backend: backend,
		rec:     New(cfg, led, backend, nil, logger),
		root:    cfg.Archive.Root,
	}
}

// writeImage drops a decodable PNG at archive/batch/stage/name. The
// seed varies the pixel content so different seeds mean different
// digests and fingerprints.
func (e *testEnv) writeImage(t *testing.T, batch, stage, name string, seed uint8) string {
	t.Helper()

	path := filepath.Join(e.root, batch, stage, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}

	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x*8) ^ seed, G: uint8(y * 8), B: seed, A: 255})
		}
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func (e *testEnv) sync(t *testing.T, opts Options) *RunSummary {
	t.Helper()
	summary, err := e.rec.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("sync run: %v", err)
	}
	return summary
}

func TestSyncEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.writeImage(t, "b1", "initial_scan", "img001.png", 1)
	cropPath := env.writeImage(t, "b1", "final_crops", "img001.png", 2)

	summary := env.sync(t, Options{})

	if summary.Status != ledger.RunStatusOK {
		t.Fatalf("status = %s, failures = %d", summary.Status, summary.Failures)
	}
	if summary.ScenesScanned != 1 {
		t.Errorf("scenes scanned = %d", summary.ScenesScanned)
	}
	if summary.VersionsUploaded != 2 {
		t.Errorf("versions uploaded = %d, want 2", summary.VersionsUploaded)
	}

	// One scene, two version rows
	sceneID := ledger.SceneID("b1", "img001")
	scene, err := env.led.GetScene(ctx, sceneID)
	if err != nil || scene == nil {
		t.Fatalf("scene row missing: %v", err)
	}
	versions, err := env.led.VersionsForScene(ctx, sceneID)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 {
		t.Fatalf("version rows = %d, want 2", len(versions))
	}

	// Current is the final crop, live
	current, err := env.led.CurrentVersion(ctx, sceneID)
	if err != nil {
		t.Fatal(err)
	}
	if current == nil {
		t.Fatal("no current version")
	}
	if current.VersionType != "final_crop" {
		t.Errorf("current type = %s, want final_crop", current.VersionType)
	}
	if !current.Live() {
		t.Error("current version not live")
	}

	// Objects exist under the key convention
	for _, key := range []string{
		storage.ObjectKey(sceneID, "final_crop", ".png"),
		storage.ObjectKey(sceneID, "initial_scan", ".png"),
		storage.ManifestKey(sceneID),
	} {
		ok, err := env.backend.Has(ctx, key)
		if err != nil || !ok {
			t.Errorf("object %s missing (err=%v)", key, err)
		}
	}

	// The manifest names the crop as original
	data, err := env.backend.Get(ctx, storage.ManifestKey(sceneID))
	if err != nil {
		t.Fatal(err)
	}
	manifest, err := storage.DecodeManifest(data)
	if err != nil {
		t.Fatal(err)
	}
	if manifest.Variants["original"].Key != storage.ObjectKey(sceneID, "final_crop", ".png") {
		t.Errorf("manifest original = %+v", manifest.Variants["original"])
	}

	// Similarity round trip: the crop's own fingerprint finds the scene
	// at distance 0.
	fp, err := fingerprint.ComputeFile(cropPath)
	if err != nil {
		t.Fatal(err)
	}
	live, err := env.led.LiveCurrentVersions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	index, err := similarity.FromLedger(live)
	if err != nil {
		t.Fatal(err)
	}
	matches, err := index.Query(fp.Perceptual, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].SceneID != sceneID || matches[0].Distance != 0 {
		t.Errorf("similarity matches = %+v", matches)
	}
}

func TestSyncIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.writeImage(t, "b1", "initial_scan", "img001.png", 1)
	env.writeImage(t, "b1", "final_crops", "img001.png", 2)

	env.sync(t, Options{})
	before, err := env.led.VersionCount(ctx)
	if err != nil {
		t.Fatal(err)
	}

	second := env.sync(t, Options{})

	if second.VersionsUploaded != 0 {
		t.Errorf("second run uploaded %d versions, want 0", second.VersionsUploaded)
	}
	after, _ := env.led.VersionCount(ctx)
	if after != before {
		t.Errorf("second run changed version count %d -> %d", before, after)
	}
	if second.Plan.Unchanged != 2 || second.Plan.New != 0 || second.Plan.Changed != 0 {
		t.Errorf("second run plan = %+v", second.Plan)
	}
}

func TestSyncIgnoresMtimeOnlyChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	path := env.writeImage(t, "b1", "final_crops", "img001.png", 3)
	env.sync(t, Options{})
	before, _ := env.led.VersionCount(ctx)

	// Touch the file without changing content
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}

	summary := env.sync(t, Options{})
	if summary.VersionsUploaded != 0 {
		t.Errorf("mtime-only change triggered %d uploads", summary.VersionsUploaded)
	}
	after, _ := env.led.VersionCount(ctx)
	if after != before {
		t.Errorf("mtime-only change minted a new version row")
	}
}

func TestSyncChangedContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.writeImage(t, "b1", "final_crops", "img001.png", 4)
	env.sync(t, Options{})

	sceneID := ledger.SceneID("b1", "img001")
	oldCurrent, err := env.led.CurrentVersion(ctx, sceneID)
	if err != nil || oldCurrent == nil {
		t.Fatalf("no current after first sync: %v", err)
	}

	// Edit the crop in place
	env.writeImage(t, "b1", "final_crops", "img001.png", 99)
	summary := env.sync(t, Options{})
	if summary.VersionsUploaded != 1 {
		t.Errorf("changed content uploaded %d versions, want 1", summary.VersionsUploaded)
	}

	newCurrent, err := env.led.CurrentVersion(ctx, sceneID)
	if err != nil || newCurrent == nil {
		t.Fatal("no current after re-sync")
	}
	if newCurrent.VersionID == oldCurrent.VersionID {
		t.Error("changed content kept the old version id")
	}

	// Append-only: the superseded row survives with its storage key
	versions, _ := env.led.VersionsForScene(ctx, sceneID)
	if len(versions) != 2 {
		t.Fatalf("history rows = %d, want 2", len(versions))
	}
	for _, v := range versions {
		if v.VersionID == oldCurrent.VersionID {
			if v.IsCurrent {
				t.Error("superseded row still current")
			}
			if !v.Live() {
				t.Error("superseded row lost its storage key")
			}
		}
	}
}

func TestSyncPriorityFlipOnRemoval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.writeImage(t, "b1", "initial_scan", "img001.png", 5)
	cropPath := env.writeImage(t, "b1", "final_crops", "img001.png", 6)
	env.sync(t, Options{})

	sceneID := ledger.SceneID("b1", "img001")
	current, _ := env.led.CurrentVersion(ctx, sceneID)
	if current == nil || current.VersionType != "final_crop" {
		t.Fatalf("expected final_crop current, got %+v", current)
	}
	cropID := current.VersionID

	// The crop disappears from the archive
	if err := os.Remove(cropPath); err != nil {
		t.Fatal(err)
	}
	env.sync(t, Options{})

	current, err := env.led.CurrentVersion(ctx, sceneID)
	if err != nil || current == nil {
		t.Fatalf("no current after flip: %v", err)
	}
	if current.VersionType != "initial_scan" {
		t.Errorf("current type = %s, want initial_scan", current.VersionType)
	}

	// The crop's row keeps its history and storage key
	versions, _ := env.led.VersionsForScene(ctx, sceneID)
	found := false
	for _, v := range versions {
		if v.VersionID == cropID {
			found = true
			if v.IsCurrent {
				t.Error("removed crop still current")
			}
			if !v.Live() {
				t.Error("removed crop lost its storage key")
			}
		}
	}
	if !found {
		t.Error("crop row deleted; history must be retained")
	}

	n, _ := env.led.CurrentCountForScene(ctx, sceneID)
	if n != 1 {
		t.Errorf("current count = %d after flip", n)
	}
}

func TestDryRunPlansWithoutMutation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.writeImage(t, "b1", "initial_scan", "img001.png", 7)
	env.writeImage(t, "b1", "final_crops", "img001.png", 8)

	summary := env.sync(t, Options{DryRun: true})

	if summary.Plan.New != 2 {
		t.Errorf("plan new = %d, want 2", summary.Plan.New)
	}
	if summary.Plan.UploadBytes <= 0 {
		t.Error("plan should report bytes to transfer")
	}

	// No ledger writes
	n, err := env.led.VersionCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("dry run wrote %d version rows", n)
	}
	scenes, _ := env.led.SceneCount(ctx)
	if scenes != 0 {
		t.Errorf("dry run wrote %d scene rows", scenes)
	}
	if run, _ := env.led.LatestRun(ctx); run != nil {
		t.Error("dry run wrote a run record")
	}

	// No storage writes either
	if _, err := os.Stat(env.cfg.Storage.BasePath); !os.IsNotExist(err) {
		entries, _ := os.ReadDir(env.cfg.Storage.BasePath)
		if len(entries) > 0 {
			t.Errorf("dry run wrote %d objects", len(entries))
		}
	}
}

func TestCorruptFileIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.writeImage(t, "b1", "final_crops", "good.png", 9)

	// A file that digests fine but cannot be decoded
	badPath := filepath.Join(env.root, "b1", "final_crops", "broken.png")
	if err := os.WriteFile(badPath, []byte("not a png at all"), 0644); err != nil {
		t.Fatal(err)
	}

	summary := env.sync(t, Options{})

	if summary.Status != ledger.RunStatusPartial {
		t.Errorf("status = %s, want partial", summary.Status)
	}
	if summary.Failures != 1 {
		t.Errorf("failures = %d, want 1", summary.Failures)
	}

	// The healthy scene synced despite its corrupt neighbor
	goodID := ledger.SceneID("b1", "good")
	current, err := env.led.CurrentVersion(ctx, goodID)
	if err != nil || current == nil || !current.Live() {
		t.Errorf("healthy scene not synced: %+v, %v", current, err)
	}

	// The corrupt scene recorded no version row
	badID := ledger.SceneID("b1", "broken")
	versions, _ := env.led.VersionsForScene(ctx, badID)
	if len(versions) != 0 {
		t.Errorf("corrupt file produced %d version rows", len(versions))
	}
}

func TestDBOnlyThenFullRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.writeImage(t, "b1", "final_crops", "img001.png", 10)

	first := env.sync(t, Options{DBOnly: true})
	if first.VersionsUploaded != 0 {
		t.Errorf("db-only uploaded %d versions", first.VersionsUploaded)
	}

	sceneID := ledger.SceneID("b1", "img001")
	row, err := env.led.LatestVersionByType(ctx, sceneID, "final_crop")
	if err != nil || row == nil {
		t.Fatalf("db-only wrote no row: %v", err)
	}
	if row.Live() {
		t.Error("db-only row must not be live")
	}

	// The later full run transfers the pending content
	second := env.sync(t, Options{})
	if second.VersionsUploaded != 1 {
		t.Errorf("full run uploaded %d versions, want 1", second.VersionsUploaded)
	}

	row, _ = env.led.LatestVersionByType(ctx, sceneID, "final_crop")
	if row == nil || !row.Live() {
		t.Errorf("row still not live after full run: %+v", row)
	}
	count, _ := env.led.VersionCount(ctx)
	if count != 1 {
		t.Errorf("db-only then full minted %d rows, want 1", count)
	}
}

func TestImagesOnlySkipsLedger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.writeImage(t, "b1", "final_crops", "img001.png", 11)

	summary := env.sync(t, Options{ImagesOnly: true})
	if summary.VersionsUploaded != 1 {
		t.Errorf("images-only uploaded %d versions, want 1", summary.VersionsUploaded)
	}

	// Objects stored, ledger untouched
	sceneID := ledger.SceneID("b1", "img001")
	ok, _ := env.backend.Has(ctx, storage.ObjectKey(sceneID, "final_crop", ".png"))
	if !ok {
		t.Error("object missing after images-only run")
	}
	n, _ := env.led.VersionCount(ctx)
	if n != 0 {
		t.Errorf("images-only wrote %d version rows", n)
	}
	if run, _ := env.led.LatestRun(ctx); run != nil {
		t.Error("images-only wrote a run record")
	}
}

func TestRunRecordWritten(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.writeImage(t, "b1", "final_crops", "img001.png", 12)
	env.sync(t, Options{})

	run, err := env.led.LatestRun(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if run == nil {
		t.Fatal("no run record")
	}
	if run.Status != ledger.RunStatusOK {
		t.Errorf("run status = %s", run.Status)
	}
	if run.ScenesScanned != 1 || run.VersionsUploaded != 1 {
		t.Errorf("run counters = %d/%d", run.ScenesScanned, run.VersionsUploaded)
	}
	if run.CompletedAt == nil {
		t.Error("run not finalized")
	}
}

func TestVariantUploadAndManifest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.writeImage(t, "b1", "final_crops", "img001.png", 13)
	env.writeImage(t, "b1", "final_crops", "img001_thumb.png", 13)
	env.writeImage(t, "b1", "final_crops", "img001_large.png", 13)

	env.sync(t, Options{})

	sceneID := ledger.SceneID("b1", "img001")

	// Renditions ride along under the variant keys
	for _, variant := range []string{"thumb", "large"} {
		ok, err := env.backend.Has(ctx, storage.ObjectKey(sceneID, variant, ".png"))
		if err != nil || !ok {
			t.Errorf("%s variant not uploaded", variant)
		}
	}

	data, err := env.backend.Get(ctx, storage.ManifestKey(sceneID))
	if err != nil {
		t.Fatal(err)
	}
	manifest, err := storage.DecodeManifest(data)
	if err != nil {
		t.Fatal(err)
	}
	for _, variant := range []string{"original", "thumb", "large"} {
		if _, ok := manifest.Variants[variant]; !ok {
			t.Errorf("manifest missing %s variant", variant)
		}
	}
	if _, ok := manifest.Variants["small"]; ok {
		t.Error("manifest lists a small variant that does not exist")
	}

	// The renditions never became scenes of their own
	scenes, _ := env.led.SceneCount(ctx)
	if scenes != 1 {
		t.Errorf("scene count = %d, variant files leaked into scenes", scenes)
	}
}

// failingBackend rejects puts whose key contains a substring, standing
// in for a backend that errors on some transfers mid-run.
type failingBackend struct {
	storage.Backend
	failSubstr string
}

func (b *failingBackend) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if strings.Contains(key, b.failSubstr) {
		return fmt.Errorf("transfer refused for %s", key)
	}
	return b.Backend.Put(ctx, key, r, size, contentType)
}

func TestCorruptReplacementKeepsPriorCurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	path := env.writeImage(t, "b1", "final_crops", "img001.png", 20)
	env.sync(t, Options{})

	sceneID := ledger.SceneID("b1", "img001")
	prior, err := env.led.CurrentVersion(ctx, sceneID)
	if err != nil || prior == nil {
		t.Fatalf("no current after first sync: %v", err)
	}

	// The replacement digests fine but cannot be decoded
	if err := os.WriteFile(path, []byte("scanner wrote garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	summary := env.sync(t, Options{})
	if summary.Status != ledger.RunStatusPartial || summary.Failures != 1 {
		t.Errorf("status = %s, failures = %d", summary.Status, summary.Failures)
	}

	// The scene keeps serving the prior live version
	current, err := env.led.CurrentVersion(ctx, sceneID)
	if err != nil {
		t.Fatal(err)
	}
	if current == nil {
		t.Fatal("scene lost its current live version")
	}
	if current.VersionID != prior.VersionID {
		t.Errorf("current = %s, want prior %s", current.VersionID, prior.VersionID)
	}
	n, _ := env.led.CurrentCountForScene(ctx, sceneID)
	if n != 1 {
		t.Errorf("current count = %d, want 1", n)
	}
}

func TestUploadFailureDoesNotDemoteLivePrior(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.writeImage(t, "b1", "initial_scan", "img001.png", 21)
	env.writeImage(t, "b1", "final_crops", "img001.png", 22)
	env.sync(t, Options{})

	sceneID := ledger.SceneID("b1", "img001")
	prior, _ := env.led.CurrentVersion(ctx, sceneID)
	if prior == nil || prior.VersionType != "final_crop" {
		t.Fatalf("expected final_crop current, got %+v", prior)
	}

	// Edit the crop, then make its transfer fail
	env.writeImage(t, "b1", "final_crops", "img001.png", 99)
	env.rec.backend = &failingBackend{Backend: env.backend, failSubstr: "final_crop"}

	summary := env.sync(t, Options{})
	if summary.Status != ledger.RunStatusPartial || summary.Failures != 1 {
		t.Errorf("status = %s, failures = %d", summary.Status, summary.Failures)
	}
	if summary.VersionsUploaded != 0 {
		t.Errorf("versions uploaded = %d, want 0", summary.VersionsUploaded)
	}

	// The live crop stays current; the unchanged initial scan is not
	// promoted over it.
	current, err := env.led.CurrentVersion(ctx, sceneID)
	if err != nil || current == nil {
		t.Fatalf("scene lost its current live version: %v", err)
	}
	if current.VersionID != prior.VersionID {
		t.Errorf("current = %s (%s), want prior crop %s",
			current.VersionID, current.VersionType, prior.VersionID)
	}

	// No row for the failed transfer; the next run re-diffs it to new
	versions, _ := env.led.VersionsForScene(ctx, sceneID)
	if len(versions) != 2 {
		t.Fatalf("history rows = %d, want 2", len(versions))
	}

	// Clearing the fault lets the replacement land and take over
	env.rec.backend = env.backend
	second := env.sync(t, Options{})
	if second.VersionsUploaded != 1 {
		t.Errorf("retry uploaded %d versions, want 1", second.VersionsUploaded)
	}
	current, _ = env.led.CurrentVersion(ctx, sceneID)
	if current == nil || current.VersionID == prior.VersionID {
		t.Errorf("replacement not promoted after retry: %+v", current)
	}
}

// cancellingBackend cancels the run context on the first Put, the shape
// of an interrupt arriving mid-transfer.
type cancellingBackend struct {
	storage.Backend
	cancel context.CancelFunc
	once   sync.Once
}

func (b *cancellingBackend) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	b.once.Do(b.cancel)
	return b.Backend.Put(ctx, key, r, size, contentType)
}

func TestInterruptedRunReportsFailedStatus(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Sync.UploadWorkers = 1

	env.writeImage(t, "b1", "final_crops", "img001.png", 30)
	env.writeImage(t, "b1", "final_crops", "img002.png", 31)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := logging.NewLogger(&logging.Config{Level: logging.ErrorLevel, Output: io.Discard})
	env.rec = New(env.cfg, env.led, &cancellingBackend{Backend: env.backend, cancel: cancel}, nil, logger)

	summary, err := env.rec.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("interrupt must not surface as a run error: %v", err)
	}
	if summary.Status != ledger.RunStatusFailed {
		t.Errorf("status = %s, want failed", summary.Status)
	}

	// The run record is finalized despite the dead context
	run, err := env.led.LatestRun(context.Background())
	if err != nil || run == nil {
		t.Fatalf("no run record: %v", err)
	}
	if run.Status != ledger.RunStatusFailed {
		t.Errorf("recorded status = %s, want failed", run.Status)
	}
}

func TestOptionsValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.rec.Run(context.Background(), Options{DBOnly: true, ImagesOnly: true})
	if err == nil {
		t.Error("db-only + images-only should be rejected")
	}
}
