package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/perimeterlab/attest/pkg/policy"
)

func (s *Server) registerDecisionRoutes(r *gin.Engine) {
	r.POST("/v1/decision", s.handleDecision)
}

type decisionRequest struct {
	UserID   string   `json:"user_id"`
	Roles    []string `json:"roles"`
	Resource string   `json:"resource"`
}

func (s *Server) handleDecision(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation", err.Error(), s.logger)
		return
	}
	if req.UserID == "" || req.Resource == "" {
		respondError(c, http.StatusBadRequest, "validation", "user_id and resource are required", s.logger)
		return
	}

	rules, err := s.rules.All()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "store", "failed to load rules", s.logger)
		return
	}

	input := policy.Input{
		UserID:   req.UserID,
		Roles:    req.Roles,
		Resource: req.Resource,
		Device:   s.deviceContextFor(req.UserID),
		Now:      time.Now().UTC(),
	}
	decision := s.engine.Decide(input, rules)

	s.metrics.Decisions.WithLabelValues(
		strconv.FormatBool(decision.Allowed),
		string(decision.RiskLevel),
	).Inc()

	logger := requestLogger(c, s.logger)
	logger.Info().
		Str("user_id", req.UserID).
		Str("resource", req.Resource).
		Bool("allowed", decision.Allowed).
		Str("risk_level", string(decision.RiskLevel)).
		Str("reason_code", decision.ReasonCode).
		Str("rule_name", decision.RuleName).
		Msg("access decision")

	c.JSON(http.StatusOK, decision)
}

// deviceContextFor resolves the user's enrolled device. An active device
// wins over pending or rejected ones; the newest posture report, valid or
// not, is what risk is judged from.
func (s *Server) deviceContextFor(userID string) policy.DeviceContext {
	var devices []Device
	err := s.db.Where("owner_user_id = ?", userID).
		Order("last_seen desc").Find(&devices).Error
	if err != nil || len(devices) == 0 {
		return policy.DeviceContext{}
	}

	device := devices[0]
	for _, d := range devices {
		if d.Status == "active" {
			device = d
			break
		}
	}

	ctx := policy.DeviceContext{
		Found:  true,
		ID:     device.DeviceID,
		Status: device.Status,
	}
	if report, err := s.latestReport(device.DeviceID); err == nil && report != nil {
		ctx.Report = &policy.ReportSnapshot{
			Score:          report.Score,
			Compliant:      report.IsCompliant,
			SignatureValid: report.SignatureValid,
			Timestamp:      report.Timestamp,
		}
	}
	return ctx
}
