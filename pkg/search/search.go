// Package search maintains a bleve full-text index over scene metadata
// so descriptions, roll comments and index-book notes are findable by
// free text. The index is derived state; it can always be rebuilt from
// the ledger.
package search

import (
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/silverhalide/filmarc/pkg/infrastructure/logging"
	"github.com/silverhalide/filmarc/pkg/ledger"
)

// SceneDocument is the indexed projection of a scene
type SceneDocument struct {
	SceneID          string `json:"scene_id"`
	BatchName        string `json:"batch_name"`
	BaseFilename     string `json:"base_filename"`
	CaptureDate      string `json:"capture_date,omitempty"`
	Description      string `json:"description,omitempty"`
	ShortDescription string `json:"short_description,omitempty"`
	RollNumber       string `json:"roll_number,omitempty"`
	RollComment      string `json:"roll_comment,omitempty"`
	IndexBookNumber  string `json:"index_book_number,omitempty"`
	IndexBookComment string `json:"index_book_comment,omitempty"`
	DateNotes        string `json:"date_notes,omitempty"`
}

// Type marks the document for the scene mapping
func (d *SceneDocument) Type() string {
	return "scene"
}

// Hit is one search result
type Hit struct {
	SceneID string
	Score   float64
}

// Index wraps the bleve index
type Index struct {
	bleve  bleve.Index
	path   string
	logger *logging.Logger
}

// Open opens the index at path, creating it with the scene mapping when
// absent.
func Open(path string, logger *logging.Logger) (*Index, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithComponent("search")

	ix, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist || os.IsNotExist(err) {
		ix, err = bleve.New(path, sceneMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open search index %s: %w", path, err)
	}

	return &Index{bleve: ix, path: path, logger: logger}, nil
}

func sceneMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()

	sceneDoc := bleve.NewDocumentMapping()

	keyword := bleve.NewTextFieldMapping()
	keyword.Analyzer = "keyword"
	sceneDoc.AddFieldMappingsAt("scene_id", keyword)
	sceneDoc.AddFieldMappingsAt("batch_name", keyword)
	sceneDoc.AddFieldMappingsAt("base_filename", keyword)
	sceneDoc.AddFieldMappingsAt("capture_date", keyword)
	sceneDoc.AddFieldMappingsAt("roll_number", keyword)
	sceneDoc.AddFieldMappingsAt("index_book_number", keyword)

	text := bleve.NewTextFieldMapping()
	sceneDoc.AddFieldMappingsAt("description", text)
	sceneDoc.AddFieldMappingsAt("short_description", text)
	sceneDoc.AddFieldMappingsAt("roll_comment", text)
	sceneDoc.AddFieldMappingsAt("index_book_comment", text)
	sceneDoc.AddFieldMappingsAt("date_notes", text)

	im.AddDocumentMapping("scene", sceneDoc)
	im.DefaultType = "scene"
	return im
}

// IndexScene adds or replaces a scene document. Indexing by scene id
// makes re-indexing after every sync idempotent.
func (ix *Index) IndexScene(scene *ledger.Scene) error {
	doc := &SceneDocument{
		SceneID:          scene.SceneID,
		BatchName:        scene.BatchName,
		BaseFilename:     scene.BaseFilename,
		CaptureDate:      scene.CaptureDate,
		Description:      scene.Description,
		ShortDescription: scene.ShortDescription,
		RollNumber:       scene.RollNumber,
		RollComment:      scene.RollComment,
		IndexBookNumber:  scene.IndexBookNumber,
		IndexBookComment: scene.IndexBookComment,
		DateNotes:        scene.DateNotes,
	}
	if err := ix.bleve.Index(scene.SceneID, doc); err != nil {
		return fmt.Errorf("failed to index scene %s: %w", scene.SceneID, err)
	}
	return nil
}

// DeleteScene removes a scene document
func (ix *Index) DeleteScene(sceneID string) error {
	if err := ix.bleve.Delete(sceneID); err != nil {
		return fmt.Errorf("failed to delete scene %s from index: %w", sceneID, err)
	}
	return nil
}

// Query searches scene metadata with a bleve query string, best match
// first. limit <= 0 falls back to 25.
func (ix *Index) Query(queryStr string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 25
	}

	q := bleve.NewQueryStringQuery(queryStr)
	req := bleve.NewSearchRequest(q)
	req.Size = limit

	result, err := ix.bleve.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]Hit, 0, len(result.Hits))
	for _, h := range result.Hits {
		hits = append(hits, Hit{SceneID: h.ID, Score: h.Score})
	}
	return hits, nil
}

// DocCount returns the number of indexed scenes
func (ix *Index) DocCount() (uint64, error) {
	return ix.bleve.DocCount()
}

// Close closes the underlying index
func (ix *Index) Close() error {
	return ix.bleve.Close()
}
