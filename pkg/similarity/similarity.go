// Package similarity answers "which scenes look like this image" over
// 64-bit perceptual fingerprints. The index is an in-memory snapshot
// built per query source from the ledger's live current versions; at
// archive scale a linear popcount scan beats maintaining any structure.
package similarity

import (
	"fmt"
	"math/bits"
	"sort"

	"github.com/silverhalide/filmarc/pkg/fingerprint"
	"github.com/silverhalide/filmarc/pkg/ledger"
)

// DefaultThreshold is the maximum Hamming distance considered similar
// when the caller does not supply one. Of 64 bits, distances at or
// below 10 reliably capture crops, tone inversions and rescans of the
// same negative while excluding unrelated frames.
const DefaultThreshold = 10

// Entry is one searchable fingerprint
type Entry struct {
	SceneID     string
	VersionID   string
	Fingerprint uint64
	StorageKey  string
	CaptureDate string
}

// Match is one query result
type Match struct {
	Entry
	Distance int
}

// Index holds the fingerprint snapshot a query scans
type Index struct {
	entries []Entry
}

// NewIndex builds an index over a fixed set of entries
func NewIndex(entries []Entry) *Index {
	return &Index{entries: entries}
}

// FromLedger converts the ledger's live-current projection into an
// index. Rows whose fingerprint does not parse are skipped; a corrupt
// row must not poison every query.
func FromLedger(live []*ledger.LiveVersion) (*Index, error) {
	entries := make([]Entry, 0, len(live))
	for _, lv := range live {
		fp, err := fingerprint.ParsePerceptual(lv.PerceptualFingerprint)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			SceneID:     lv.SceneID,
			VersionID:   lv.VersionID,
			Fingerprint: fp,
			StorageKey:  lv.StorageKey,
			CaptureDate: lv.CaptureDate,
		})
	}
	return &Index{entries: entries}, nil
}

// Len returns the number of indexed fingerprints
func (ix *Index) Len() int {
	return len(ix.entries)
}

// Distance is the Hamming distance between two fingerprints. It is 0
// for identical fingerprints and symmetric in its arguments.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Query returns scenes whose fingerprint is within threshold bits of
// the probe, best match first. Each scene appears at most once, at its
// smallest distance. Ties are broken by capture date descending, then
// scene id, so result order is stable. limit <= 0 means unlimited.
func (ix *Index) Query(probe uint64, threshold, limit int) ([]Match, error) {
	if threshold < 0 || threshold > 64 {
		return nil, fmt.Errorf("threshold %d out of range 0..64", threshold)
	}

	best := make(map[string]Match)
	for _, e := range ix.entries {
		d := Distance(probe, e.Fingerprint)
		if d > threshold {
			continue
		}
		if prev, ok := best[e.SceneID]; !ok || d < prev.Distance {
			best[e.SceneID] = Match{Entry: e, Distance: d}
		}
	}

	matches := make([]Match, 0, len(best))
	for _, m := range best {
		matches = append(matches, m)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		if matches[i].CaptureDate != matches[j].CaptureDate {
			return matches[i].CaptureDate > matches[j].CaptureDate
		}
		return matches[i].SceneID < matches[j].SceneID
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// QuerySimilarToScene looks up a scene already in the index and queries
// with its fingerprint, excluding the scene itself from the results.
func (ix *Index) QuerySimilarToScene(sceneID string, threshold, limit int) ([]Match, error) {
	var probe uint64
	found := false
	for _, e := range ix.entries {
		if e.SceneID == sceneID {
			probe = e.Fingerprint
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("scene %s has no indexed fingerprint", sceneID)
	}

	if limit > 0 {
		limit++ // room for the probe scene before exclusion
	}
	matches, err := ix.Query(probe, threshold, limit)
	if err != nil {
		return nil, err
	}

	out := matches[:0]
	for _, m := range matches {
		if m.SceneID != sceneID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit-1 {
		out = out[:limit-1]
	}
	return out, nil
}
