// Package scoring turns a posture snapshot into a compliance score. The
// scorer is pure: identical facts always produce an identical result.
package scoring

import (
	"github.com/perimeterlab/attest/pkg/posture"
)

// Control weights. A failed control subtracts its weight from 100.
const (
	WeightAntivirus      = 30
	WeightFirewall       = 25
	WeightDiskEncryption = 25
	WeightScreenLock     = 10
	WeightPendingUpdates = 10
)

// PendingUpdatesMax is the count above which outstanding updates are scored
// as a failed control. The deduction is flat regardless of how far over the
// threshold the count is.
const PendingUpdatesMax = 10

// DefaultCompliantThreshold is the minimum score considered compliant.
const DefaultCompliantThreshold = 70

// Result is the outcome of scoring one posture snapshot.
type Result struct {
	Score      int      `json:"score"`
	Violations []string `json:"violations"`
	Compliant  bool     `json:"is_compliant"`
}

// Scorer evaluates posture facts against the fixed control weights.
type Scorer struct {
	threshold int
}

func NewScorer(compliantThreshold int) *Scorer {
	if compliantThreshold <= 0 {
		compliantThreshold = DefaultCompliantThreshold
	}
	return &Scorer{threshold: compliantThreshold}
}

// Score evaluates the facts. A control at its zero value counts as failed:
// an omitted field is indistinguishable from a disabled control, so absence
// fails closed.
func (s *Scorer) Score(f posture.Facts) Result {
	score := 100
	violations := []string{}

	if !f.Antivirus.Installed || !f.Antivirus.Running {
		score -= WeightAntivirus
		violations = append(violations, "antivirus not running")
	}
	if !f.Firewall.Enabled {
		score -= WeightFirewall
		violations = append(violations, "firewall disabled")
	}
	if !f.DiskEncryption.Enabled {
		score -= WeightDiskEncryption
		violations = append(violations, "disk not encrypted")
	}
	if !f.ScreenLock.Enabled {
		score -= WeightScreenLock
		violations = append(violations, "screen lock disabled")
	}
	if f.PendingUpdates > PendingUpdatesMax {
		score -= WeightPendingUpdates
		violations = append(violations, "excessive pending updates")
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return Result{
		Score:      score,
		Violations: violations,
		Compliant:  score >= s.threshold,
	}
}

// Threshold reports the compliance cutoff in use.
func (s *Scorer) Threshold() int {
	return s.threshold
}
