package policy

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Freshness defaults. A report older than the fresh window counts as no
// current posture at all; a compliant report older than the soft window but
// inside the fresh window only raises risk to medium.
const (
	DefaultFreshWindow = 15 * time.Minute
	DefaultSoftWindow  = 5 * time.Minute
)

// ReportSnapshot is the latest verified posture the engine sees for a
// device. SignatureValid is the value computed at ingestion time, never
// re-derived.
type ReportSnapshot struct {
	Score          int
	Compliant      bool
	SignatureValid bool
	Timestamp      time.Time
}

// DeviceContext describes the requesting identity's enrolled device, if any.
type DeviceContext struct {
	Found  bool
	ID     string
	Status string
	Report *ReportSnapshot
}

// Input is everything one decision is computed from. Decisions are computed
// fresh per request and never cached.
type Input struct {
	UserID   string
	Roles    []string
	Resource string
	Device   DeviceContext
	Now      time.Time
}

// Decision is the verdict for one request.
type Decision struct {
	Allowed        bool      `json:"allowed"`
	RiskLevel      RiskLevel `json:"risk_level"`
	RequiresStepUp bool      `json:"requires_step_up"`
	Reason         string    `json:"reason"`
	ReasonCode     string    `json:"reason_code"`
	RuleName       string    `json:"rule_name,omitempty"`
	MonitorHits    []string  `json:"monitor_hits,omitempty"`
}

// Reason codes carried on every denial.
const (
	ReasonNoDevice       = "no_enrolled_device"
	ReasonDeviceInactive = "device_not_active"
	ReasonKeyMismatch    = "device_key_mismatch"
	ReasonStalePosture   = "posture_stale"
	ReasonNonCompliant   = "device_non_compliant"
	ReasonRuleMatch      = "rule_match"
	ReasonPostureOK      = "posture_ok"
)

// Engine turns (identity, device state, rules, time) into a Decision. It is
// stateless; every call reads only its input.
type Engine struct {
	freshWindow time.Duration
	softWindow  time.Duration
	logger      zerolog.Logger
}

func NewEngine(freshWindow, softWindow time.Duration, logger zerolog.Logger) *Engine {
	if freshWindow <= 0 {
		freshWindow = DefaultFreshWindow
	}
	if softWindow <= 0 || softWindow > freshWindow {
		softWindow = DefaultSoftWindow
	}
	return &Engine{freshWindow: freshWindow, softWindow: softWindow, logger: logger}
}

// Decide evaluates rules by descending priority; the first matching rule in
// enforce mode determines the action. Monitor matches are logged and
// recorded but never block. A request with no enrolled device is denied
// before any user rule runs, so a stolen credential alone never reaches a
// device-bearing rule.
func (e *Engine) Decide(in Input, rules []Rule) Decision {
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	risk := e.riskLevel(in.Device, in.Now)
	decision := Decision{
		RiskLevel:      risk,
		RequiresStepUp: risk == RiskMedium || risk == RiskHigh,
	}

	if !in.Device.Found {
		decision.Allowed = false
		decision.ReasonCode = ReasonNoDevice
		decision.Reason = "no enrolled device for identity"
		return decision
	}

	// A report signed by a key that no longer matches the device's on-file
	// key means the signed history cannot be trusted. Nothing downgrades
	// that, including an allow rule.
	if risk == RiskCritical {
		decision.Allowed = false
		decision.ReasonCode = ReasonKeyMismatch
		decision.Reason = "latest posture report failed signature verification"
		return decision
	}

	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		// Equal priority: deny wins.
		return sorted[i].Action == ActionDeny && sorted[j].Action == ActionAllow
	})

	for _, rule := range sorted {
		if rule.Mode == ModeDisabled || !rule.Condition.Match(in) {
			continue
		}
		if rule.Mode == ModeMonitor {
			e.logger.Info().
				Str("rule", rule.Name).
				Str("action", string(rule.Action)).
				Str("user_id", in.UserID).
				Str("resource", in.Resource).
				Msg("monitor rule matched")
			decision.MonitorHits = append(decision.MonitorHits, rule.Name)
			continue
		}

		decision.Allowed = rule.Action == ActionAllow
		decision.RuleName = rule.Name
		decision.ReasonCode = ReasonRuleMatch
		decision.Reason = "rule " + rule.Name + ": " + string(rule.Action)
		return decision
	}

	// No enforce rule matched: fall back to the posture gate.
	decision.Allowed, decision.ReasonCode, decision.Reason = e.postureGate(in.Device, in.Now)
	return decision
}

func (e *Engine) postureGate(device DeviceContext, now time.Time) (bool, string, string) {
	if device.Status != "active" {
		return false, ReasonDeviceInactive, "device status is " + device.Status
	}
	report := device.Report
	if report == nil || now.Sub(report.Timestamp) > e.freshWindow {
		return false, ReasonStalePosture, "no fresh verified posture for device"
	}
	if !report.Compliant {
		return false, ReasonNonCompliant, "device posture is non-compliant"
	}
	return true, ReasonPostureOK, "device posture verified and compliant"
}

// riskLevel applies the fixed precedence: critical on a signature mismatch,
// high when there is no usable posture or the device is non-compliant,
// medium when compliant posture has gone soft-stale, low otherwise.
func (e *Engine) riskLevel(device DeviceContext, now time.Time) RiskLevel {
	report := device.Report
	if device.Found && report != nil && !report.SignatureValid {
		return RiskCritical
	}
	if !device.Found || device.Status != "active" || report == nil {
		return RiskHigh
	}
	age := now.Sub(report.Timestamp)
	if age > e.freshWindow || !report.Compliant {
		return RiskHigh
	}
	if age > e.softWindow {
		return RiskMedium
	}
	return RiskLow
}
