package reconcile

import "fmt"

// Plan summarizes what a run would do. Dry-run prints it and stops;
// real runs carry it forward as the expected workload.
type Plan struct {
	Scenes      int
	New         int
	Changed     int
	Unchanged   int
	Stale       int
	UploadBytes int64
}

func (p *Plan) add(diff *SceneDiff) {
	p.Scenes++
	for _, c := range diff.Candidates {
		switch c.State {
		case StateNew:
			p.New++
		case StateChanged:
			p.Changed++
		case StateUnchanged:
			p.Unchanged++
		}
	}
	p.Stale += diff.Stale
	p.UploadBytes += diff.UploadBytes()
}

// HasWork reports whether any transfer or ledger mutation is pending
func (p *Plan) HasWork() bool {
	return p.New > 0 || p.Changed > 0 || p.Stale > 0
}

func (p *Plan) String() string {
	return fmt.Sprintf("%d scenes: %d new, %d changed, %d unchanged, %d stale, %s to transfer",
		p.Scenes, p.New, p.Changed, p.Unchanged, p.Stale, formatBytes(p.UploadBytes))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
