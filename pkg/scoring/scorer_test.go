package scoring

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/perimeterlab/attest/pkg/posture"
)

func healthyFacts() posture.Facts {
	return posture.Facts{
		Antivirus:      posture.AntivirusFact{Installed: true, Running: true},
		Firewall:       posture.FirewallFact{Enabled: true},
		DiskEncryption: posture.DiskEncryptionFact{Enabled: true},
		ScreenLock:     posture.ScreenLockFact{Enabled: true},
		PendingUpdates: 0,
	}
}

func TestScore(t *testing.T) {
	s := NewScorer(DefaultCompliantThreshold)

	tests := []struct {
		name           string
		mutate         func(*posture.Facts)
		wantScore      int
		wantCompliant  bool
		wantViolations []string
	}{
		{
			name:           "fully healthy",
			mutate:         func(*posture.Facts) {},
			wantScore:      100,
			wantCompliant:  true,
			wantViolations: []string{},
		},
		{
			name:           "firewall off still compliant",
			mutate:         func(f *posture.Facts) { f.Firewall.Enabled = false },
			wantScore:      75,
			wantCompliant:  true,
			wantViolations: []string{"firewall disabled"},
		},
		{
			name: "firewall and antivirus off",
			mutate: func(f *posture.Facts) {
				f.Firewall.Enabled = false
				f.Antivirus.Running = false
			},
			wantScore:      45,
			wantCompliant:  false,
			wantViolations: []string{"antivirus not running", "firewall disabled"},
		},
		{
			name:           "antivirus installed but stopped",
			mutate:         func(f *posture.Facts) { f.Antivirus.Running = false },
			wantScore:      70,
			wantCompliant:  true,
			wantViolations: []string{"antivirus not running"},
		},
		{
			name:           "updates at threshold pass",
			mutate:         func(f *posture.Facts) { f.PendingUpdates = 10 },
			wantScore:      100,
			wantCompliant:  true,
			wantViolations: []string{},
		},
		{
			name:           "updates above threshold",
			mutate:         func(f *posture.Facts) { f.PendingUpdates = 11 },
			wantScore:      90,
			wantCompliant:  true,
			wantViolations: []string{"excessive pending updates"},
		},
		{
			name:           "flat deduction far over threshold",
			mutate:         func(f *posture.Facts) { f.PendingUpdates = 500 },
			wantScore:      90,
			wantCompliant:  true,
			wantViolations: []string{"excessive pending updates"},
		},
		{
			name: "everything failed clamps at zero",
			mutate: func(f *posture.Facts) {
				*f = posture.Facts{PendingUpdates: 50}
			},
			wantScore:      0,
			wantCompliant:  false,
			wantViolations: []string{"antivirus not running", "firewall disabled", "disk not encrypted", "screen lock disabled", "excessive pending updates"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts := healthyFacts()
			tt.mutate(&facts)
			got := s.Score(facts)
			require.Equal(t, tt.wantScore, got.Score)
			require.Equal(t, tt.wantCompliant, got.Compliant)
			require.Equal(t, tt.wantViolations, got.Violations)
		})
	}
}

func TestScoreDeterministic(t *testing.T) {
	s := NewScorer(DefaultCompliantThreshold)
	facts := healthyFacts()
	facts.Firewall.Enabled = false
	facts.PendingUpdates = 42

	first := s.Score(facts)
	for i := 0; i < 20; i++ {
		require.Equal(t, first, s.Score(facts))
	}
}

func TestAbsentFieldScoresAsFailed(t *testing.T) {
	s := NewScorer(DefaultCompliantThreshold)

	var missing posture.Facts
	require.NoError(t, json.Unmarshal([]byte(
		`{"antivirus":{"installed":true,"running":true},"disk_encryption":{"enabled":true},"screen_lock":{"enabled":true},"pending_updates":0}`,
	), &missing))

	explicit := healthyFacts()
	explicit.Firewall.Enabled = false
	// Field order in JSON never matters; only values do.
	require.Equal(t, s.Score(explicit), s.Score(missing))
}

func TestCustomThreshold(t *testing.T) {
	strict := NewScorer(90)
	facts := healthyFacts()
	facts.ScreenLock.Enabled = false // 90

	require.True(t, strict.Score(facts).Compliant)
	facts.Firewall.Enabled = false // 65
	require.False(t, strict.Score(facts).Compliant)
}
