package search

import (
	"path/filepath"
	"testing"

	"github.com/silverhalide/filmarc/pkg/ledger"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(filepath.Join(t.TempDir(), "scenes.bleve"), nil)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestIndexAndQuery(t *testing.T) {
	ix := openTestIndex(t)

	scenes := []*ledger.Scene{
		{
			SceneID: "b1-img001", BatchName: "b1", BaseFilename: "img001",
			Description: "fishing boats in the harbor at dusk",
			RollNumber:  "R-03",
		},
		{
			SceneID: "b1-img002", BatchName: "b1", BaseFilename: "img002",
			Description: "family picnic under the oak tree",
		},
	}
	for _, s := range scenes {
		if err := ix.IndexScene(s); err != nil {
			t.Fatalf("index %s: %v", s.SceneID, err)
		}
	}

	hits, err := ix.Query("harbor", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 1 || hits[0].SceneID != "b1-img001" {
		t.Errorf("hits = %+v, want b1-img001", hits)
	}

	hits, err = ix.Query("picnic oak", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) == 0 || hits[0].SceneID != "b1-img002" {
		t.Errorf("hits = %+v, want b1-img002 first", hits)
	}
}

func TestReindexIsIdempotent(t *testing.T) {
	ix := openTestIndex(t)

	scene := &ledger.Scene{
		SceneID: "b1-img003", BatchName: "b1", BaseFilename: "img003",
		Description: "winter street scene",
	}
	for i := 0; i < 3; i++ {
		if err := ix.IndexScene(scene); err != nil {
			t.Fatal(err)
		}
	}

	count, err := ix.DocCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("doc count = %d after re-indexing one scene", count)
	}
}

func TestReindexPicksUpEdits(t *testing.T) {
	ix := openTestIndex(t)

	scene := &ledger.Scene{
		SceneID: "b1-img004", BatchName: "b1", BaseFilename: "img004",
		Description: "blurry first attempt",
	}
	if err := ix.IndexScene(scene); err != nil {
		t.Fatal(err)
	}

	scene.Description = "lighthouse on the northern point"
	if err := ix.IndexScene(scene); err != nil {
		t.Fatal(err)
	}

	hits, err := ix.Query("lighthouse", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("updated description not searchable: %+v", hits)
	}
	hits, _ = ix.Query("blurry", 10)
	if len(hits) != 0 {
		t.Errorf("stale description still indexed: %+v", hits)
	}
}

func TestDeleteScene(t *testing.T) {
	ix := openTestIndex(t)

	scene := &ledger.Scene{
		SceneID: "b1-img005", BatchName: "b1", BaseFilename: "img005",
		Description: "demolished building",
	}
	if err := ix.IndexScene(scene); err != nil {
		t.Fatal(err)
	}
	if err := ix.DeleteScene(scene.SceneID); err != nil {
		t.Fatal(err)
	}

	hits, err := ix.Query("demolished", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("deleted scene still returned: %+v", hits)
	}
}

func TestOpenExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenes.bleve")

	ix, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	scene := &ledger.Scene{
		SceneID: "b1-img006", BatchName: "b1", BaseFilename: "img006",
		Description: "carnival parade",
	}
	if err := ix.IndexScene(scene); err != nil {
		t.Fatal(err)
	}
	if err := ix.Close(); err != nil {
		t.Fatal(err)
	}

	// Re-opening finds the persisted documents
	ix2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer ix2.Close()

	hits, err := ix2.Query("carnival", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Errorf("persisted scene not found after reopen: %+v", hits)
	}
}
