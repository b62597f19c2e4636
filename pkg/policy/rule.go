// Package policy evaluates access rules against identity claims and
// verified device posture, producing an allow/deny decision with a risk
// classification.
package policy

import (
	"fmt"
	"time"
)

type Mode string

const (
	ModeEnforce  Mode = "enforce"
	ModeMonitor  Mode = "monitor"
	ModeDisabled Mode = "disabled"
)

type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rule is one access rule. Rules are validated when created or loaded and
// are read-only during evaluation.
type Rule struct {
	ID        string    `yaml:"id" json:"id"`
	Name      string    `yaml:"name" json:"name"`
	Priority  int       `yaml:"priority" json:"priority"`
	Mode      Mode      `yaml:"mode" json:"mode"`
	Action    Action    `yaml:"action" json:"action"`
	Condition Condition `yaml:"condition" json:"condition"`
}

// Condition kinds.
const (
	KindRole         = "role"
	KindCompliance   = "compliance"
	KindDeviceStatus = "device_status"
	KindTimeWindow   = "time_window"
	KindAllOf        = "all_of"
	KindAnyOf        = "any_of"
)

// Condition is a tagged variant rather than a free-form expression, so a
// rule can be rejected at creation time instead of failing mid-decision.
type Condition struct {
	Kind string `yaml:"kind" json:"kind"`

	// role
	Role string `yaml:"role,omitempty" json:"role,omitempty"`

	// compliance: matches when the latest verified report's score is at or
	// above MinScore. No verified report never matches.
	MinScore int `yaml:"min_score,omitempty" json:"min_score,omitempty"`

	// device_status
	Status string `yaml:"status,omitempty" json:"status,omitempty"`

	// time_window, 24h clock "15:04"; End before Start wraps midnight.
	Start string `yaml:"start,omitempty" json:"start,omitempty"`
	End   string `yaml:"end,omitempty" json:"end,omitempty"`

	// composites
	All []Condition `yaml:"all,omitempty" json:"all,omitempty"`
	Any []Condition `yaml:"any,omitempty" json:"any,omitempty"`
}

const clockLayout = "15:04"

// Validate rejects malformed rules before they can reach evaluation.
func (r Rule) Validate() error {
	switch r.Mode {
	case ModeEnforce, ModeMonitor, ModeDisabled:
	default:
		return fmt.Errorf("rule %q: invalid mode %q", r.Name, r.Mode)
	}
	switch r.Action {
	case ActionAllow, ActionDeny:
	default:
		return fmt.Errorf("rule %q: invalid action %q", r.Name, r.Action)
	}
	if r.Name == "" {
		return fmt.Errorf("rule with priority %d: missing name", r.Priority)
	}
	if err := r.Condition.Validate(); err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}
	return nil
}

func (c Condition) Validate() error {
	switch c.Kind {
	case KindRole:
		if c.Role == "" {
			return fmt.Errorf("role condition: missing role")
		}
	case KindCompliance:
		if c.MinScore < 0 || c.MinScore > 100 {
			return fmt.Errorf("compliance condition: min_score %d out of range", c.MinScore)
		}
	case KindDeviceStatus:
		switch c.Status {
		case "pending", "active", "rejected":
		default:
			return fmt.Errorf("device_status condition: invalid status %q", c.Status)
		}
	case KindTimeWindow:
		if _, err := time.Parse(clockLayout, c.Start); err != nil {
			return fmt.Errorf("time_window condition: bad start %q", c.Start)
		}
		if _, err := time.Parse(clockLayout, c.End); err != nil {
			return fmt.Errorf("time_window condition: bad end %q", c.End)
		}
	case KindAllOf:
		if len(c.All) == 0 {
			return fmt.Errorf("all_of condition: no children")
		}
		for _, child := range c.All {
			if err := child.Validate(); err != nil {
				return err
			}
		}
	case KindAnyOf:
		if len(c.Any) == 0 {
			return fmt.Errorf("any_of condition: no children")
		}
		for _, child := range c.Any {
			if err := child.Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	return nil
}

// Match evaluates the condition against the decision input. Conditions over
// posture fail closed: no verified report means no compliance condition
// matches.
func (c Condition) Match(in Input) bool {
	switch c.Kind {
	case KindRole:
		for _, role := range in.Roles {
			if role == c.Role {
				return true
			}
		}
		return false
	case KindCompliance:
		report := in.Device.Report
		return report != nil && report.SignatureValid && report.Score >= c.MinScore
	case KindDeviceStatus:
		return in.Device.Found && in.Device.Status == c.Status
	case KindTimeWindow:
		return inWindow(in.Now, c.Start, c.End)
	case KindAllOf:
		for _, child := range c.All {
			if !child.Match(in) {
				return false
			}
		}
		return true
	case KindAnyOf:
		for _, child := range c.Any {
			if child.Match(in) {
				return true
			}
		}
		return false
	}
	return false
}

func inWindow(now time.Time, start, end string) bool {
	s, err := time.Parse(clockLayout, start)
	if err != nil {
		return false
	}
	e, err := time.Parse(clockLayout, end)
	if err != nil {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	sm := s.Hour()*60 + s.Minute()
	em := e.Hour()*60 + e.Minute()
	if sm <= em {
		return minutes >= sm && minutes < em
	}
	// window wraps midnight
	return minutes >= sm || minutes < em
}
