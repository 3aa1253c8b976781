package ledger

import (
	"context"
	"database/sql"
	"time"
)

// StartRun opens a run-log record and returns its id. The record stays
// in_progress until CompleteRun; an in_progress row surviving a restart
// marks a run that died mid-flight.
func (l *Ledger) StartRun(ctx context.Context, syncType string) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		"INSERT INTO sync_runs (sync_type, started_at, status) VALUES (?, ?, ?)",
		syncType, time.Now().UTC(), RunStatusInProgress)
	if err != nil {
		return 0, &LedgerError{Op: "start run", Cause: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &LedgerError{Op: "start run", Cause: err}
	}
	return id, nil
}

// CompleteRun finalizes a run-log record with its counters and status
func (l *Ledger) CompleteRun(ctx context.Context, runID int64, status string, scanned, uploaded, failures int, errMsg string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = ?, scenes_scanned = ?, versions_uploaded = ?,
		    failures = ?, error_message = ?, completed_at = ?
		WHERE id = ?`,
		status, scanned, uploaded, failures, nullable(errMsg),
		time.Now().UTC(), runID)
	if err != nil {
		return &LedgerError{Op: "complete run", Cause: err}
	}
	return nil
}

// LatestRun returns the most recent run record, or nil when the log is
// empty.
func (l *Ledger) LatestRun(ctx context.Context) (*SyncRun, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, sync_type, COALESCE(scenes_scanned, 0),
		       COALESCE(versions_uploaded, 0), COALESCE(failures, 0),
		       started_at, completed_at, status, COALESCE(error_message, '')
		FROM sync_runs
		ORDER BY id DESC
		LIMIT 1`)

	var run SyncRun
	var completedAt sql.NullTime
	err := row.Scan(&run.ID, &run.SyncType, &run.ScenesScanned,
		&run.VersionsUploaded, &run.Failures,
		&run.StartedAt, &completedAt, &run.Status, &run.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &LedgerError{Op: "latest run", Cause: err}
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}
