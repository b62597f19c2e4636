package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts the security-relevant outcomes: how often attestation
// succeeds or fails, what decisions come out, and how posture trends.
type Metrics struct {
	Verifications   *prometheus.CounterVec
	Decisions       *prometheus.CounterVec
	PostureReports  *prometheus.CounterVec
	ChallengesSwept prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "attest_verifications_total",
			Help: "Attestation verifications by kind and outcome.",
		}, []string{"kind", "outcome"}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "attest_decisions_total",
			Help: "Access decisions by result and risk level.",
		}, []string{"allowed", "risk_level"}),
		PostureReports: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "attest_posture_reports_total",
			Help: "Ingested posture reports by compliance.",
		}, []string{"compliant"}),
		ChallengesSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "attest_challenges_swept_total",
			Help: "Expired challenges removed by the background sweep.",
		}),
	}
}
