package health

import (
	"time"
)

// Snapshot holds live subsystem counters used for health scoring. The caller
// assembles it from the branch manager, merge queue and session manager.
type Snapshot struct {
	ActiveBranches  int
	BranchLimit     int
	PendingMerges   int
	OldestPending   time.Time // zero when nothing is waiting
	CompletedRecent int
	FailedRecent    int
	ActiveSessions  int
	OrphanSessions  int
}

// HealthScore represents the computed health of the branching subsystem.
type HealthScore struct {
	Total            int
	CapacityHeadroom int // 0-25
	MergeThroughput  int // 0-25
	OutcomeQuality   int // 0-30
	SessionHygiene   int // 0-20
}

// Scorer computes health scores for the branching subsystem.
type Scorer struct{}

// NewScorer returns a new health Scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score computes a health score (0-100) from a snapshot.
func (s *Scorer) Score(snap *Snapshot) *HealthScore {
	h := &HealthScore{}

	// Capacity headroom (25 pts) - room for more branches = full points
	h.CapacityHeadroom = scoreCapacity(snap.ActiveBranches, snap.BranchLimit, 25)

	// Merge throughput (25 pts) - approvals answered quickly = more points
	h.MergeThroughput = scoreWaiting(snap.OldestPending, 25)

	// Outcome quality (30 pts) - fewer failed branches relative to total = better
	h.OutcomeQuality = scoreOutcomes(snap.CompletedRecent, snap.FailedRecent, 30)

	// Session hygiene (20 pts) - no orphaned trees = cleaner
	h.SessionHygiene = scoreOrphans(snap.OrphanSessions, 20)

	h.Total = h.CapacityHeadroom + h.MergeThroughput + h.OutcomeQuality + h.SessionHygiene
	return h
}

// scoreCapacity converts branch slot usage to points.
func scoreCapacity(active, limit, maxPoints int) int {
	if limit <= 0 {
		return maxPoints
	}
	ratio := float64(active) / float64(limit)
	switch {
	case ratio < 0.5:
		return maxPoints
	case ratio < 0.75:
		return int(float64(maxPoints) * 0.8)
	case ratio < 1:
		return int(float64(maxPoints) * 0.5)
	default:
		return int(float64(maxPoints) * 0.2)
	}
}

// scoreWaiting converts how long the oldest pending merge has been waiting
// to points. No pending merges is full points.
func scoreWaiting(oldest time.Time, maxPoints int) int {
	if oldest.IsZero() {
		return maxPoints
	}
	waiting := time.Since(oldest)
	switch {
	case waiting <= time.Hour:
		return int(float64(maxPoints) * 0.9)
	case waiting <= 4*time.Hour:
		return int(float64(maxPoints) * 0.75)
	case waiting <= 24*time.Hour:
		return int(float64(maxPoints) * 0.5)
	case waiting <= 72*time.Hour:
		return int(float64(maxPoints) * 0.25)
	default:
		return int(float64(maxPoints) * 0.1)
	}
}

// scoreOutcomes computes quality from the recent failure ratio.
func scoreOutcomes(completed, failed, maxPoints int) int {
	total := completed + failed
	if total == 0 {
		return maxPoints // nothing has finished yet
	}
	ratio := float64(failed) / float64(total)
	// Lower failure ratio = better health
	return int(float64(maxPoints) * (1 - ratio*0.8))
}

// scoreOrphans penalizes leftover session trees.
func scoreOrphans(count, maxPoints int) int {
	switch {
	case count == 0:
		return maxPoints
	case count <= 2:
		return int(float64(maxPoints) * 0.6)
	case count <= 5:
		return int(float64(maxPoints) * 0.3)
	default:
		return int(float64(maxPoints) * 0.1)
	}
}
