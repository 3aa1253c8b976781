package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertScene creates a scene or refreshes its metadata. Empty incoming
// metadata fields never clobber existing values, so out-of-band edits
// (descriptions added through the annotation surface) survive re-scans.
func (l *Ledger) UpsertScene(ctx context.Context, scene *Scene) error {
	if scene.SceneID == "" || scene.BatchName == "" || scene.BaseFilename == "" {
		return &LedgerError{Op: "upsert scene", SceneID: scene.SceneID,
			Cause: fmt.Errorf("scene_id, batch_name and base_filename are required")}
	}

	const q = `
		INSERT INTO scenes (
			scene_id, batch_name, base_filename, capture_date, description,
			roll_number, roll_date, date_source, date_notes, roll_comment,
			index_book_number, index_book_date, index_book_comment, short_description,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(scene_id) DO UPDATE SET
			capture_date       = COALESCE(NULLIF(excluded.capture_date, ''), scenes.capture_date),
			description        = COALESCE(NULLIF(excluded.description, ''), scenes.description),
			roll_number        = COALESCE(NULLIF(excluded.roll_number, ''), scenes.roll_number),
			roll_date          = COALESCE(NULLIF(excluded.roll_date, ''), scenes.roll_date),
			date_source        = COALESCE(NULLIF(excluded.date_source, ''), scenes.date_source),
			date_notes         = COALESCE(NULLIF(excluded.date_notes, ''), scenes.date_notes),
			roll_comment       = COALESCE(NULLIF(excluded.roll_comment, ''), scenes.roll_comment),
			index_book_number  = COALESCE(NULLIF(excluded.index_book_number, ''), scenes.index_book_number),
			index_book_date    = COALESCE(NULLIF(excluded.index_book_date, ''), scenes.index_book_date),
			index_book_comment = COALESCE(NULLIF(excluded.index_book_comment, ''), scenes.index_book_comment),
			short_description  = COALESCE(NULLIF(excluded.short_description, ''), scenes.short_description),
			updated_at         = CURRENT_TIMESTAMP`

	_, err := l.db.ExecContext(ctx, q,
		scene.SceneID, scene.BatchName, scene.BaseFilename,
		nullable(scene.CaptureDate), nullable(scene.Description),
		nullable(scene.RollNumber), nullable(scene.RollDate),
		nullable(scene.DateSource), nullable(scene.DateNotes),
		nullable(scene.RollComment), nullable(scene.IndexBookNumber),
		nullable(scene.IndexBookDate), nullable(scene.IndexBookComment),
		nullable(scene.ShortDescription),
	)
	if err != nil {
		return &LedgerError{Op: "upsert scene", SceneID: scene.SceneID, Cause: err}
	}
	return nil
}

// GetScene fetches a scene by id, returning nil when absent
func (l *Ledger) GetScene(ctx context.Context, sceneID string) (*Scene, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT scene_id, batch_name, base_filename,
		       COALESCE(capture_date, ''), COALESCE(description, ''),
		       COALESCE(roll_number, ''), COALESCE(roll_date, ''),
		       COALESCE(date_source, ''), COALESCE(date_notes, ''),
		       COALESCE(roll_comment, ''), COALESCE(index_book_number, ''),
		       COALESCE(index_book_date, ''), COALESCE(index_book_comment, ''),
		       COALESCE(short_description, ''),
		       created_at, updated_at
		FROM scenes WHERE scene_id = ?`, sceneID)

	scene, err := scanScene(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &LedgerError{Op: "get scene", SceneID: sceneID, Cause: err}
	}
	return scene, nil
}

// ListScenes returns scenes ordered newest-first, optionally filtered by
// batch.
func (l *Ledger) ListScenes(ctx context.Context, batchName string, limit, offset int) ([]*Scene, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT scene_id, batch_name, base_filename,
		       COALESCE(capture_date, ''), COALESCE(description, ''),
		       COALESCE(roll_number, ''), COALESCE(roll_date, ''),
		       COALESCE(date_source, ''), COALESCE(date_notes, ''),
		       COALESCE(roll_comment, ''), COALESCE(index_book_number, ''),
		       COALESCE(index_book_date, ''), COALESCE(index_book_comment, ''),
		       COALESCE(short_description, ''),
		       created_at, updated_at
		FROM scenes`
	args := []interface{}{}
	if batchName != "" {
		query += " WHERE batch_name = ?"
		args = append(args, batchName)
	}
	query += " ORDER BY created_at DESC, scene_id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &LedgerError{Op: "list scenes", Cause: err}
	}
	defer rows.Close()

	var scenes []*Scene
	for rows.Next() {
		scene, err := scanScene(rows)
		if err != nil {
			return nil, &LedgerError{Op: "list scenes", Cause: err}
		}
		scenes = append(scenes, scene)
	}
	if err := rows.Err(); err != nil {
		return nil, &LedgerError{Op: "list scenes", Cause: err}
	}
	return scenes, nil
}

// SceneCount returns the number of scene rows
func (l *Ledger) SceneCount(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scenes").Scan(&n); err != nil {
		return 0, &LedgerError{Op: "count scenes", Cause: err}
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanScene(row rowScanner) (*Scene, error) {
	var s Scene
	err := row.Scan(
		&s.SceneID, &s.BatchName, &s.BaseFilename,
		&s.CaptureDate, &s.Description,
		&s.RollNumber, &s.RollDate, &s.DateSource, &s.DateNotes,
		&s.RollComment, &s.IndexBookNumber, &s.IndexBookDate,
		&s.IndexBookComment, &s.ShortDescription,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
