package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func (s *Server) registerChallengeRoutes(r *gin.Engine) {
	r.POST("/v1/challenge", s.rateLimited("challenge", 30, time.Minute, clientKey, s.handleChallenge))
	r.POST("/v1/issue", s.handleIssueToken)
}

func (s *Server) handleChallenge(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.DeviceID == "" {
		respondError(c, http.StatusBadRequest, "validation", "device_id is required", s.logger)
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

	challenge, err := s.challenges.Issue(device.DeviceID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "store", "failed to issue challenge", s.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"challenge":          challenge.Nonce,
		"expires_in_seconds": int(s.challenges.TTL().Seconds()),
	})
}

type issueRequest struct {
	DeviceID  string `json:"device_id"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
	Resource  string `json:"resource"`
}

// handleIssueToken exchanges a signed challenge for a short-lived token.
// Every verification failure, whether a bad signature, an expired nonce, or
// a replayed one, returns the same 401 so callers learn nothing about which
// check tripped.
func (s *Server) handleIssueToken(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation", err.Error(), s.logger)
		return
	}
	if req.DeviceID == "" || req.Challenge == "" || req.Signature == "" {
		respondError(c, http.StatusBadRequest, "validation", "missing required fields", s.logger)
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

	logger := requestLogger(c, s.logger)
	deny := func(reason string, err error) {
		s.metrics.Verifications.WithLabelValues("challenge", "invalid").Inc()
		logger.Warn().
			Str("device_id", device.DeviceID).
			Str("reason", reason).
			Err(err).
			Msg("token issuance refused")
		respondError(c, http.StatusUnauthorized, "attestation", "challenge verification failed", s.logger)
	}

	challenge, err := s.challenges.Lookup(device.DeviceID, req.Challenge)
	if err != nil {
		deny("lookup", err)
		return
	}

	// Verify before consume: a forged signature must not burn the nonce the
	// legitimate holder is about to present.
	if err := s.verifier.VerifyChallenge(device.PublicKeyPEM, challenge.Nonce, req.Signature); err != nil {
		deny("signature", err)
		return
	}
	if err := s.challenges.Consume(challenge.ChallengeID); err != nil {
		deny("consume", err)
		return
	}
	s.metrics.Verifications.WithLabelValues("challenge", "valid").Inc()

	compliant := false
	if report, err := s.latestValidReport(device.DeviceID); err == nil && report != nil {
		compliant = report.IsCompliant
	}

	now := time.Now().UTC()
	ttl := time.Duration(s.cfg.Token.TTLSeconds) * time.Second
	claims := jwt.MapClaims{
		"sub":       device.DeviceID,
		"iss":       s.cfg.Token.Issuer,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
		"resource":  req.Resource,
		"compliant": compliant,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Token.Secret))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal", "failed to sign token", s.logger)
		return
	}

	logger.Info().
		Str("device_id", device.DeviceID).
		Str("resource", req.Resource).
		Bool("compliant", compliant).
		Msg("attestation token issued")

	c.JSON(http.StatusOK, gin.H{
		"token":              signed,
		"is_compliant":       compliant,
		"expires_in_seconds": int(ttl.Seconds()),
	})
}
