package ledger

import (
	"strings"
	"time"
)

// Scene is a stable identity for one physical negative. Scenes are
// created on first scan and never deleted by sync.
type Scene struct {
	SceneID      string
	BatchName    string
	BaseFilename string

	// Optional capture/roll metadata; empty strings are stored as NULL
	CaptureDate      string
	Description      string
	RollNumber       string
	RollDate         string
	DateSource       string
	DateNotes        string
	RollComment      string
	IndexBookNumber  string
	IndexBookDate    string
	IndexBookComment string
	ShortDescription string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ImageVersion is one processing-stage artifact of a scene. Rows are
// append-only; only storage_key and is_current ever change after insert.
type ImageVersion struct {
	VersionID   string
	SceneID     string
	VersionType string
	LocalPath   string

	// Empty until a successful upload; non-empty IS the live flag
	StorageKey string

	ExactDigest string

	// 16 hex digits, empty when the image could not be decoded
	PerceptualFingerprint string

	FileSize int64
	Width    int
	Height   int

	IsCurrent bool
	CreatedAt time.Time
	SyncedAt  *time.Time
}

// Live reports whether the version has been confirmed in the content
// store.
func (v *ImageVersion) Live() bool {
	return v.StorageKey != ""
}

// LiveVersion is the projection the similarity index scans: live current
// versions joined with their scene's capture date.
type LiveVersion struct {
	SceneID               string
	VersionID             string
	PerceptualFingerprint string
	StorageKey            string
	BatchName             string
	BaseFilename          string
	CaptureDate           string
}

// SyncRun is the run-level log record for one sync execution
type SyncRun struct {
	ID               int64
	SyncType         string
	ScenesScanned    int
	VersionsUploaded int
	Failures         int
	StartedAt        time.Time
	CompletedAt      *time.Time
	Status           string
	ErrorMessage     string
}

// Run status values
const (
	RunStatusInProgress = "in_progress"
	RunStatusOK         = "ok"
	RunStatusPartial    = "partial"
	RunStatusFailed     = "failed"
)

// SceneID derives the stable scene identifier from a batch name and base
// filename. It is a pure function of the pair: re-scanning the same file
// can never mint a second scene.
func SceneID(batchName, baseFilename string) string {
	stem := baseFilename
	if i := strings.LastIndex(stem, "."); i > 0 {
		stem = stem[:i]
	}
	return slug(batchName) + "-" + slug(stem)
}

// VersionID derives the content-addressed version identifier. Identical
// content re-synced twice yields the same id, which is what makes sync
// idempotent; changed content always yields a new one.
func VersionID(sceneID, versionType, exactDigest string) string {
	d := exactDigest
	if len(d) > 12 {
		d = d[:12]
	}
	return sceneID + "-" + versionType + "-" + d
}

// slug normalizes a name component for use inside identifiers and
// storage keys.
func slug(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
