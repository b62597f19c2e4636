package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/perimeterlab/attest/pkg/events"
	"github.com/perimeterlab/attest/pkg/posture"
	"github.com/perimeterlab/attest/pkg/scoring"
)

func (s *Server) registerPostureRoutes(r *gin.Engine) {
	r.POST("/v1/posture", s.handlePosture)
}

type postureRequest struct {
	DeviceID  string        `json:"device_id"`
	Facts     posture.Facts `json:"facts"`
	Signature string        `json:"signature"`
}

func (s *Server) handlePosture(c *gin.Context) {
	var req postureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation", err.Error(), s.logger)
		return
	}
	if req.DeviceID == "" || req.Signature == "" {
		respondError(c, http.StatusBadRequest, "validation", "device_id and signature are required", s.logger)
		return
	}

	device, ok := s.loadDeviceOr404(c, req.DeviceID)
	if !ok {
		return
	}
	if device.Status != "active" {
		respondError(c, http.StatusForbidden, "forbidden", "device is not active", s.logger)
		return
	}

	now := time.Now().UTC()
	skew := time.Duration(s.cfg.Posture.MaxClockSkewS) * time.Second
	if req.Facts.CollectedAt.After(now.Add(skew)) {
		respondError(c, http.StatusBadRequest, "validation", "facts timestamp is in the future", s.logger)
		return
	}
	if now.Sub(req.Facts.CollectedAt) > s.freshWindow() {
		respondError(c, http.StatusBadRequest, "validation", "facts are too old to ingest", s.logger)
		return
	}

	logger := requestLogger(c, s.logger)
	if err := s.verifier.VerifyReport(device.PublicKeyPEM, req.Facts, req.Signature); err != nil {
		// The report is retained with the verdict so the decision path can
		// treat a device presenting forged reports as critical risk.
		s.metrics.Verifications.WithLabelValues("report", "invalid").Inc()
		s.appendReport(c, device.DeviceID, req.Facts, req.Signature, false)
		logger.Warn().
			Str("device_id", device.DeviceID).
			Err(err).
			Msg("posture report failed verification")
		respondError(c, http.StatusUnauthorized, "attestation", "signature verification failed", s.logger)
		return
	}
	s.metrics.Verifications.WithLabelValues("report", "valid").Inc()

	result := s.scorer.Score(req.Facts)
	s.metrics.PostureReports.WithLabelValues(strconv.FormatBool(result.Compliant)).Inc()

	previous, prevErr := s.latestValidReport(device.DeviceID)

	report, err := s.insertReport(device.DeviceID, req.Facts, req.Signature, true, result)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "store", "failed to persist report", s.logger)
		return
	}

	if err := s.db.Model(device).Update("last_seen", now).Error; err != nil {
		logger.Warn().Err(err).Str("device_id", device.DeviceID).Msg("failed to update last_seen")
	}

	if prevErr == nil && previous != nil && previous.IsCompliant != result.Compliant {
		owner := ""
		if device.OwnerUserID != nil {
			owner = *device.OwnerUserID
		}
		s.emitter.Emit(events.ComplianceTransition{
			DeviceID:    device.DeviceID,
			OwnerUserID: owner,
			Compliant:   result.Compliant,
			Score:       result.Score,
			OccurredAt:  report.Timestamp,
		})
	}

	logger.Info().
		Str("device_id", device.DeviceID).
		Int("score", result.Score).
		Bool("is_compliant", result.Compliant).
		Strs("violations", result.Violations).
		Msg("posture report accepted")

	c.JSON(http.StatusOK, gin.H{
		"accepted":     true,
		"score":        result.Score,
		"is_compliant": result.Compliant,
		"violations":   result.Violations,
	})
}

// appendReport scores and stores facts whose signature verdict is already
// known; used for the unsigned initial posture and for rejected reports.
func (s *Server) appendReport(c *gin.Context, deviceID string, facts posture.Facts, signature string, valid bool) {
	result := s.scorer.Score(facts)
	if _, err := s.insertReport(deviceID, facts, signature, valid, result); err != nil {
		logger := requestLogger(c, s.logger)
		logger.Error().
			Err(err).
			Str("device_id", deviceID).
			Msg("failed to persist posture report")
	}
}

func (s *Server) insertReport(deviceID string, facts posture.Facts, signature string, valid bool, result scoring.Result) (*PostureReport, error) {
	rawFacts, err := json.Marshal(facts)
	if err != nil {
		return nil, err
	}
	violations, err := json.Marshal(result.Violations)
	if err != nil {
		return nil, err
	}

	ts := facts.CollectedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	report := PostureReport{
		DeviceID:       deviceID,
		Timestamp:      ts.UTC(),
		RawFacts:       string(rawFacts),
		Signature:      signature,
		SignatureValid: valid,
		Score:          result.Score,
		Violations:     string(violations),
		IsCompliant:    result.Compliant,
	}

	// SQLite returns a transient busy error under concurrent writers; one
	// short retry covers the common case without hiding real failures.
	err = s.db.Create(&report).Error
	if isBusyError(err) {
		time.Sleep(25 * time.Millisecond)
		report.ID = 0
		err = s.db.Create(&report).Error
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// isBusyError reports whether err is SQLite's transient lock contention.
// Constraint violations and other permanent failures are not retried.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func (s *Server) latestValidReport(deviceID string) (*PostureReport, error) {
	var report PostureReport
	err := s.db.Where("device_id = ? AND signature_valid = ?", deviceID, true).
		Order("timestamp desc").First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *Server) latestReport(deviceID string) (*PostureReport, error) {
	var report PostureReport
	err := s.db.Where("device_id = ?", deviceID).
		Order("timestamp desc").First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *Server) freshWindow() time.Duration {
	return time.Duration(s.cfg.Posture.FreshWindowMinutes) * time.Minute
}

func (s *Server) softWindow() time.Duration {
	return time.Duration(s.cfg.Posture.SoftWindowMinutes) * time.Minute
}
