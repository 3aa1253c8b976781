package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecordSceneSync applies the whole outcome of reconciling one scene in
// a single transaction: new version rows are inserted (content-addressed
// ids make re-insertion idempotent), every other version of the scene is
// demoted, and currentVersionID is promoted. A crash can never leave two
// versions current, and the previously-current row is only demoted in
// the same transaction that promotes its replacement.
func (l *Ledger) RecordSceneSync(ctx context.Context, sceneID string, versions []*ImageVersion, currentVersionID string) error {
	return l.withTx(ctx, "record scene sync", sceneID, func(tx *sql.Tx) error {
		for _, v := range versions {
			if v.SceneID != sceneID {
				return fmt.Errorf("version %s belongs to scene %s", v.VersionID, v.SceneID)
			}
			if err := upsertVersion(ctx, tx, v); err != nil {
				return err
			}
		}

		if currentVersionID == "" {
			_, err := tx.ExecContext(ctx,
				"UPDATE image_versions SET is_current = 0 WHERE scene_id = ?", sceneID)
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE image_versions SET is_current = 0 WHERE scene_id = ? AND version_id <> ?",
			sceneID, currentVersionID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			"UPDATE image_versions SET is_current = 1 WHERE version_id = ? AND scene_id = ?",
			currentVersionID, sceneID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			return fmt.Errorf("current version %s not found", currentVersionID)
		}
		return nil
	})
}

func upsertVersion(ctx context.Context, tx *sql.Tx, v *ImageVersion) error {
	var syncedAt interface{}
	if v.StorageKey != "" {
		now := time.Now().UTC()
		if v.SyncedAt != nil {
			now = *v.SyncedAt
		}
		syncedAt = now
	}

	const q = `
		INSERT INTO image_versions (
			version_id, scene_id, version_type, local_path, storage_key,
			exact_digest, perceptual_fingerprint, file_size, width, height,
			is_current, synced_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(version_id) DO UPDATE SET
			local_path             = excluded.local_path,
			storage_key            = COALESCE(excluded.storage_key, image_versions.storage_key),
			perceptual_fingerprint = COALESCE(excluded.perceptual_fingerprint, image_versions.perceptual_fingerprint),
			file_size              = excluded.file_size,
			width                  = excluded.width,
			height                 = excluded.height,
			synced_at              = COALESCE(excluded.synced_at, image_versions.synced_at)`

	_, err := tx.ExecContext(ctx, q,
		v.VersionID, v.SceneID, v.VersionType, v.LocalPath,
		nullable(v.StorageKey), v.ExactDigest,
		nullable(v.PerceptualFingerprint),
		v.FileSize, v.Width, v.Height, syncedAt,
	)
	return err
}

// SetCurrent atomically makes versionID the only current version of its
// scene. Used when a priority flip or repair needs no new rows.
func (l *Ledger) SetCurrent(ctx context.Context, sceneID, versionID string) error {
	return l.RecordSceneSync(ctx, sceneID, nil, versionID)
}

// ClearCurrent demotes every version of a scene (all files vanished from
// the archive). Storage keys are untouched: staleness is orthogonal to
// liveness.
func (l *Ledger) ClearCurrent(ctx context.Context, sceneID string) error {
	return l.RecordSceneSync(ctx, sceneID, nil, "")
}

// MarkUploaded records a confirmed upload for an existing row, flipping
// it live.
func (l *Ledger) MarkUploaded(ctx context.Context, versionID, storageKey string) error {
	res, err := l.db.ExecContext(ctx,
		"UPDATE image_versions SET storage_key = ?, synced_at = ? WHERE version_id = ?",
		storageKey, time.Now().UTC(), versionID)
	if err != nil {
		return &LedgerError{Op: "mark uploaded", Cause: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &LedgerError{Op: "mark uploaded", Cause: err}
	}
	if affected != 1 {
		return &LedgerError{Op: "mark uploaded", Cause: fmt.Errorf("version %s not found", versionID)}
	}
	return nil
}

const versionColumns = `
	version_id, scene_id, version_type, local_path,
	COALESCE(storage_key, ''), exact_digest,
	COALESCE(perceptual_fingerprint, ''),
	COALESCE(file_size, 0), COALESCE(width, 0), COALESCE(height, 0),
	is_current, created_at, synced_at`

// LatestVersionByType fetches the most recent version row for a
// (scene, type) pair, the row the reconciler diffs against. Returns nil
// when no row exists.
func (l *Ledger) LatestVersionByType(ctx context.Context, sceneID, versionType string) (*ImageVersion, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM image_versions
		WHERE scene_id = ? AND version_type = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`, sceneID, versionType)

	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &LedgerError{Op: "get version", SceneID: sceneID, Cause: err}
	}
	return v, nil
}

// CurrentVersion returns the live current version for a scene, or nil
func (l *Ledger) CurrentVersion(ctx context.Context, sceneID string) (*ImageVersion, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM image_versions
		WHERE scene_id = ? AND is_current = 1 AND storage_key IS NOT NULL
		LIMIT 1`, sceneID)

	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &LedgerError{Op: "current version", SceneID: sceneID, Cause: err}
	}
	return v, nil
}

// VersionsForScene returns the full append-only history for a scene,
// newest first.
func (l *Ledger) VersionsForScene(ctx context.Context, sceneID string) ([]*ImageVersion, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM image_versions
		WHERE scene_id = ?
		ORDER BY created_at DESC, rowid DESC`, sceneID)
	if err != nil {
		return nil, &LedgerError{Op: "versions for scene", SceneID: sceneID, Cause: err}
	}
	defer rows.Close()

	var versions []*ImageVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, &LedgerError{Op: "versions for scene", SceneID: sceneID, Cause: err}
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, &LedgerError{Op: "versions for scene", SceneID: sceneID, Cause: err}
	}
	return versions, nil
}

// LiveCurrentVersions returns the point-in-time snapshot the similarity
// index scans: current versions with a storage key and a fingerprint.
func (l *Ledger) LiveCurrentVersions(ctx context.Context) ([]*LiveVersion, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT iv.scene_id, iv.version_id, iv.perceptual_fingerprint,
		       iv.storage_key, s.batch_name, s.base_filename,
		       COALESCE(s.capture_date, '')
		FROM image_versions iv
		JOIN scenes s ON s.scene_id = iv.scene_id
		WHERE iv.storage_key IS NOT NULL
		  AND iv.is_current = 1
		  AND iv.perceptual_fingerprint IS NOT NULL
		ORDER BY iv.created_at DESC`)
	if err != nil {
		return nil, &LedgerError{Op: "live versions", Cause: err}
	}
	defer rows.Close()

	var out []*LiveVersion
	for rows.Next() {
		var lv LiveVersion
		if err := rows.Scan(&lv.SceneID, &lv.VersionID, &lv.PerceptualFingerprint,
			&lv.StorageKey, &lv.BatchName, &lv.BaseFilename, &lv.CaptureDate); err != nil {
			return nil, &LedgerError{Op: "live versions", Cause: err}
		}
		out = append(out, &lv)
	}
	if err := rows.Err(); err != nil {
		return nil, &LedgerError{Op: "live versions", Cause: err}
	}
	return out, nil
}

// VersionCount returns the number of version rows
func (l *Ledger) VersionCount(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM image_versions").Scan(&n); err != nil {
		return 0, &LedgerError{Op: "count versions", Cause: err}
	}
	return n, nil
}

// CurrentCountForScene returns how many versions of a scene are flagged
// current. The invariant says this is never more than one.
func (l *Ledger) CurrentCountForScene(ctx context.Context, sceneID string) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM image_versions WHERE scene_id = ? AND is_current = 1",
		sceneID).Scan(&n); err != nil {
		return 0, &LedgerError{Op: "count current", SceneID: sceneID, Cause: err}
	}
	return n, nil
}

func scanVersion(row rowScanner) (*ImageVersion, error) {
	var v ImageVersion
	var syncedAt sql.NullTime
	err := row.Scan(
		&v.VersionID, &v.SceneID, &v.VersionType, &v.LocalPath,
		&v.StorageKey, &v.ExactDigest, &v.PerceptualFingerprint,
		&v.FileSize, &v.Width, &v.Height,
		&v.IsCurrent, &v.CreatedAt, &syncedAt,
	)
	if err != nil {
		return nil, err
	}
	if syncedAt.Valid {
		t := syncedAt.Time
		v.SyncedAt = &t
	}
	return &v, nil
}
