// Package ledger owns the relational record of scenes and their image
// versions. It is the single writer surface for sync: every mutation of
// scene or version state goes through one of its operations, and
// current-version transitions are applied atomically inside a single
// transaction.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/silverhalide/filmarc/pkg/infrastructure/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Ledger is a handle to the scene/version database
type Ledger struct {
	db     *sql.DB
	path   string
	logger *logging.Logger
}

// LedgerError reports a failed ledger operation. A LedgerError inside a
// scene transaction rolls the whole transaction back; partial application
// never survives.
type LedgerError struct {
	Op      string
	SceneID string
	Cause   error
}

func (e *LedgerError) Error() string {
	if e.SceneID != "" {
		return fmt.Sprintf("ledger %s (scene %s): %v", e.Op, e.SceneID, e.Cause)
	}
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Cause)
}

func (e *LedgerError) Unwrap() error {
	return e.Cause
}

// Open opens (creating if necessary) the ledger database at path and
// applies pending migrations.
func Open(path string, logger *logging.Logger) (*Ledger, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithComponent("ledger")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &LedgerError{Op: "open", Cause: err}
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &LedgerError{Op: "open", Cause: err}
	}
	// SQLite supports one writer; a pool of connections only produces
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &LedgerError{Op: "open", Cause: err}
	}

	l := &Ledger{db: db, path: path, logger: logger}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return l, nil
}

func (l *Ledger) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return &LedgerError{Op: "migrate", Cause: err}
	}

	driver, err := sqlitemigrate.WithInstance(l.db, &sqlitemigrate.Config{})
	if err != nil {
		return &LedgerError{Op: "migrate", Cause: err}
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return &LedgerError{Op: "migrate", Cause: err}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return &LedgerError{Op: "migrate", Cause: err}
	}
	return nil
}

// Close closes the database handle
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Path returns the database file location
func (l *Ledger) Path() string {
	return l.path
}

// withTx runs fn inside an immediate transaction, rolling back on error.
// BEGIN IMMEDIATE takes the write lock up front so a competing writer
// fails fast instead of deadlocking mid-transaction.
func (l *Ledger) withTx(ctx context.Context, op, sceneID string, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return &LedgerError{Op: op, SceneID: sceneID, Cause: err}
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return &LedgerError{Op: op, SceneID: sceneID, Cause: err}
	}

	if err := tx.Commit(); err != nil {
		return &LedgerError{Op: op, SceneID: sceneID, Cause: err}
	}
	return nil
}

// RunLock is the single-flight guard preventing concurrent sync runs
// against the same ledger.
type RunLock struct {
	path string
}

// AcquireRunLock takes an exclusive lock file next to the ledger. A held
// lock whose owning process is gone is reclaimed; a live owner makes the
// acquisition fail, which callers treat as fatal at startup.
func AcquireRunLock(ledgerPath string) (*RunLock, error) {
	lockPath := ledgerPath + ".lock"
	if dir := filepath.Dir(lockPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create run lock directory %s: %w", dir, err)
		}
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &RunLock{path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("cannot create run lock %s: %w", lockPath, err)
		}

		pid, readErr := readLockPID(lockPath)
		if readErr == nil && pid > 0 && processAlive(pid) {
			return nil, fmt.Errorf("another sync run (pid %d) holds %s", pid, lockPath)
		}
		// Stale lock from a dead process; reclaim it.
		if rmErr := os.Remove(lockPath); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("cannot reclaim stale run lock %s: %w", lockPath, rmErr)
		}
	}

	return nil, fmt.Errorf("cannot acquire run lock %s", lockPath)
}

// Release drops the lock
func (rl *RunLock) Release() error {
	if err := os.Remove(rl.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot release run lock %s: %w", rl.path, err)
	}
	return nil
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := string(data)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return strconv.Atoi(s)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	return proc.Signal(syscall.Signal(0)) == nil
}
