package reconcile

import (
	"context"
	"path/filepath"

	"github.com/silverhalide/filmarc/pkg/fingerprint"
	"github.com/silverhalide/filmarc/pkg/ledger"
	"github.com/silverhalide/filmarc/pkg/scanner"
)

// State classifies one (scene, version type) candidate against the
// ledger.
type State int

const (
	// StateNew means no live ledger row matches this content: either no
	// row exists or a prior upload never completed. Needs upload.
	StateNew State = iota

	// StateUnchanged means the ledger already has this exact content
	// live. Nothing to transfer.
	StateUnchanged

	// StateChanged means the file content differs from the latest
	// ledger row. Needs upload under a new content-addressed id.
	StateChanged
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateUnchanged:
		return "unchanged"
	case StateChanged:
		return "changed"
	default:
		return "unknown"
	}
}

// Candidate is one scanned file diffed against its ledger row
type Candidate struct {
	Entry scanner.Entry
	State State

	// Exact digest of the file as it is on disk now
	Digest string

	// Content-addressed id this candidate resolves to
	VersionID string

	// Prior is the latest ledger row for this (scene, type), nil when
	// none exists.
	Prior *ledger.ImageVersion
}

// SceneDiff is the full classification of one scene
type SceneDiff struct {
	Key     scanner.SceneKey
	SceneID string

	// One candidate per version type, highest priority first
	Candidates []Candidate

	// CurrentVersionID is the policy-selected current version among the
	// candidates.
	CurrentVersionID string

	// PriorCurrentID is the version that was current before this run,
	// empty when the scene had none.
	PriorCurrentID string

	// Stale is the number of previously-current rows the plan demotes
	Stale int
}

// UploadBytes sums the sizes of candidates that need a transfer
func (d *SceneDiff) UploadBytes() int64 {
	var n int64
	for _, c := range d.Candidates {
		if c.State != StateUnchanged {
			n += c.Entry.Size
		}
	}
	return n
}

// diffScene classifies every scanned entry of a scene against the
// ledger and selects the current version by policy. It reads the ledger
// but never writes; dry-run stops here.
func diffScene(ctx context.Context, led *ledger.Ledger, key scanner.SceneKey, entries []scanner.Entry) (*SceneDiff, error) {
	sceneID := ledger.SceneID(key.Batch, key.Base)
	diff := &SceneDiff{Key: key, SceneID: sceneID}

	for _, entry := range pickPerType(entries) {
		digest, _, err := fingerprint.DigestFile(entry.Path)
		if err != nil {
			return nil, err
		}

		prior, err := led.LatestVersionByType(ctx, sceneID, entry.Type.String())
		if err != nil {
			return nil, err
		}

		c := Candidate{
			Entry:     entry,
			Digest:    digest,
			VersionID: ledger.VersionID(sceneID, entry.Type.String(), digest),
			Prior:     prior,
		}
		switch {
		case prior == nil:
			c.State = StateNew
		case prior.ExactDigest != digest:
			c.State = StateChanged
		case prior.Live():
			c.State = StateUnchanged
		default:
			// Same content, but the earlier upload never completed.
			// Re-diffing like this is the whole retry mechanism.
			c.State = StateNew
		}
		diff.Candidates = append(diff.Candidates, c)
	}

	if len(diff.Candidates) > 0 {
		diff.CurrentVersionID = diff.Candidates[0].VersionID
	}

	// Count previously-current rows the new selection will demote
	existing, err := led.VersionsForScene(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	for _, v := range existing {
		if v.IsCurrent {
			diff.PriorCurrentID = v.VersionID
			if v.VersionID != diff.CurrentVersionID {
				diff.Stale++
			}
		}
	}

	return diff, nil
}

// pickPerType reduces the scanned entries to one candidate per version
// type and orders them by descending priority. Within a type the most
// recently modified file wins.
func pickPerType(entries []scanner.Entry) []scanner.Entry {
	best := make(map[scanner.VersionType]scanner.Entry)
	for _, e := range entries {
		prev, ok := best[e.Type]
		if !ok || e.ModTime.After(prev.ModTime) {
			best[e.Type] = e
		}
	}

	out := make([]scanner.Entry, 0, len(best))
	for _, vt := range []scanner.VersionType{scanner.FinalCrop, scanner.InvertedScan, scanner.InitialScan} {
		if e, ok := best[vt]; ok {
			out = append(out, e)
		}
	}
	return out
}

// ext returns the candidate's file extension, leading dot included
func (c *Candidate) ext() string {
	return filepath.Ext(c.Entry.Path)
}
