package main

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/perimeterlab/attest/pkg/attest"
	"github.com/perimeterlab/attest/pkg/posture"
)

func (s *Server) registerEnrollmentRoutes(r *gin.Engine) {
	r.POST("/v1/enroll", s.rateLimited("enroll", 10, time.Minute, clientKey, s.handleEnroll))

	admin := r.Group("/v1/admin", s.requireAdmin)
	admin.POST("/codes", s.handleIssueCode)
	admin.GET("/codes", s.handleListCodes)
	admin.DELETE("/codes/:id", s.handleRevokeCode)
	admin.GET("/devices", s.handleListDevices)
	admin.GET("/devices/:device_id", s.handleGetDevice)
	admin.POST("/devices/:device_id/approve", s.handleApproveDevice)
	admin.POST("/devices/:device_id/reject", s.handleRejectDevice)
}

func (s *Server) requireAdmin(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		respondError(c, http.StatusUnauthorized, "unauthorized", "missing bearer token", s.logger)
		return
	}
	token := strings.TrimPrefix(authz, "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
		respondError(c, http.StatusUnauthorized, "unauthorized", "invalid bearer token", s.logger)
		return
	}
	c.Next()
}

func (s *Server) rateLimited(name string, limit int, window time.Duration, keyFn func(*gin.Context) string, handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := name + ":" + keyFn(c)
		if !s.rateLimiter.Allow(key, limit, window) {
			respondError(c, http.StatusTooManyRequests, "rate_limited", "too many requests", s.logger)
			return
		}
		handler(c)
	}
}

func clientKey(c *gin.Context) string {
	return c.ClientIP()
}

type enrollRequest struct {
	EnrollmentCode string        `json:"enrollment_code"`
	Fingerprint    string        `json:"device_fingerprint"`
	PublicKeyPEM   string        `json:"public_key"`
	Hostname       string        `json:"hostname"`
	InitialPosture posture.Facts `json:"initial_posture"`
}

func (s *Server) handleEnroll(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation", err.Error(), s.logger)
		return
	}
	if req.EnrollmentCode == "" || req.Fingerprint == "" || req.PublicKeyPEM == "" {
		respondError(c, http.StatusBadRequest, "validation", "missing required fields", s.logger)
		return
	}
	if _, err := attest.ParsePublicKey([]byte(req.PublicKeyPEM)); err != nil {
		respondError(c, http.StatusBadRequest, "validation", "invalid public key", s.logger)
		return
	}

	s.codesMu.Lock()
	defer s.codesMu.Unlock()

	var code EnrollmentCode
	query := s.db.Where("code_hash = ?", s.codeHasher.HashString(req.EnrollmentCode))
	if err := query.First(&code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusUnauthorized, "unauthorized", "invalid enrollment code", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "store", "code lookup failed", s.logger)
		return
	}
	if code.UsedAt != nil {
		respondError(c, http.StatusUnauthorized, "unauthorized", "invalid enrollment code", s.logger)
		return
	}
	if !code.ExpiresAt.IsZero() && time.Now().After(code.ExpiresAt) {
		respondError(c, http.StatusUnauthorized, "unauthorized", "invalid enrollment code", s.logger)
		return
	}

	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()

	// Re-enrollment of known hardware replaces the key and demotes the
	// device to pending: a new key means the prior signed history is stale.
	var device Device
	err := s.db.Where("fingerprint_hash = ?", req.Fingerprint).First(&device).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		device = Device{
			DeviceID:        uuid.NewString(),
			FingerprintHash: req.Fingerprint,
		}
	case err != nil:
		respondError(c, http.StatusInternalServerError, "store", "device lookup failed", s.logger)
		return
	}

	device.Hostname = req.Hostname
	device.PublicKeyPEM = []byte(req.PublicKeyPEM)
	device.Status = "pending"
	device.OwnerUserID = nil
	device.LastSeen = time.Now().UTC()

	if err := s.db.Save(&device).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "store", "failed to persist device", s.logger)
		return
	}

	now := time.Now().UTC()
	if err := s.db.Model(&code).Updates(map[string]interface{}{
		"used_at":     now,
		"redeemed_by": device.DeviceID,
	}).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "store", "failed to mark code used", s.logger)
		return
	}

	// The initial posture travels unsigned inside an authenticated
	// enrollment; record it as unverified so it informs approval but never
	// counts as attested history.
	if !req.InitialPosture.CollectedAt.IsZero() {
		s.appendReport(c, device.DeviceID, req.InitialPosture, "", false)
	}

	logger := requestLogger(c, s.logger)
	logger.Info().
		Str("device_id", device.DeviceID).
		Str("hostname", device.Hostname).
		Msg("device enrolled, awaiting approval")

	c.JSON(http.StatusOK, gin.H{
		"device_id": device.DeviceID,
		"status":    device.Status,
	})
}

func (s *Server) handleIssueCode(c *gin.Context) {
	var req struct {
		Label            string `json:"label"`
		ExpiresInSeconds int64  `json:"expires_in_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation", err.Error(), s.logger)
		return
	}

	raw, err := generateEnrollmentSecret()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal", "failed to generate code", s.logger)
		return
	}

	expiresAt := time.Time{}
	if req.ExpiresInSeconds > 0 {
		expiresAt = time.Now().Add(time.Duration(req.ExpiresInSeconds) * time.Second)
	}

	record := EnrollmentCode{
		Label:     req.Label,
		CodeHash:  s.codeHasher.HashString(raw),
		ExpiresAt: expiresAt,
	}

	s.codesMu.Lock()
	defer s.codesMu.Unlock()
	if err := s.db.Create(&record).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "store", "failed to persist code", s.logger)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         record.ID,
		"code":       raw,
		"label":      record.Label,
		"expires_at": record.ExpiresAt,
	})
}

func (s *Server) handleListCodes(c *gin.Context) {
	s.codesMu.Lock()
	defer s.codesMu.Unlock()

	var codes []EnrollmentCode
	if err := s.db.Order("created_at desc").Find(&codes).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "store", "failed to list codes", s.logger)
		return
	}

	resp := make([]gin.H, 0, len(codes))
	for _, code := range codes {
		resp = append(resp, gin.H{
			"id":          code.ID,
			"label":       code.Label,
			"expires_at":  code.ExpiresAt,
			"used_at":     code.UsedAt,
			"redeemed_by": code.RedeemedBy,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRevokeCode(c *gin.Context) {
	s.codesMu.Lock()
	defer s.codesMu.Unlock()

	var code EnrollmentCode
	if err := s.db.First(&code, "id = ?", c.Param("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "not_found", "code not found", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "store", "failed to load code", s.logger)
		return
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"used_at":     now,
		"redeemed_by": fmt.Sprintf("revoked:%d", now.Unix()),
	}
	if err := s.db.Model(&code).Updates(updates).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "store", "failed to revoke code", s.logger)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListDevices(c *gin.Context) {
	var devices []Device
	if err := s.db.Order("created_at desc").Find(&devices).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "store", "failed to list devices", s.logger)
		return
	}

	resp := make([]gin.H, 0, len(devices))
	for _, device := range devices {
		resp = append(resp, deviceJSON(device))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetDevice(c *gin.Context) {
	device, ok := s.loadDeviceOr404(c, c.Param("device_id"))
	if !ok {
		return
	}

	var reports []PostureReport
	if err := s.db.Where("device_id = ?", device.DeviceID).
		Order("timestamp desc").Limit(10).Find(&reports).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "store", "failed to load reports", s.logger)
		return
	}

	history := make([]gin.H, 0, len(reports))
	for _, report := range reports {
		history = append(history, gin.H{
			"timestamp":       report.Timestamp,
			"score":           report.Score,
			"is_compliant":    report.IsCompliant,
			"signature_valid": report.SignatureValid,
			"violations":      report.Violations,
		})
	}

	body := deviceJSON(*device)
	body["reports"] = history
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleApproveDevice(c *gin.Context) {
	var req struct {
		OwnerUserID string `json:"owner_user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.OwnerUserID == "" {
		respondError(c, http.StatusBadRequest, "validation", "owner_user_id is required", s.logger)
		return
	}
	s.setDeviceStatus(c, c.Param("device_id"), "active", &req.OwnerUserID)
}

func (s *Server) handleRejectDevice(c *gin.Context) {
	s.setDeviceStatus(c, c.Param("device_id"), "rejected", nil)
}

func (s *Server) setDeviceStatus(c *gin.Context, deviceID, status string, owner *string) {
	device, ok := s.loadDeviceOr404(c, deviceID)
	if !ok {
		return
	}

	updates := map[string]interface{}{"status": status}
	if owner != nil {
		updates["owner_user_id"] = *owner
	}
	if err := s.db.Model(device).Updates(updates).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "store", "failed to update device", s.logger)
		return
	}

	logger := requestLogger(c, s.logger)
	logger.Info().
		Str("device_id", device.DeviceID).
		Str("status", status).
		Msg("device status changed")
	c.JSON(http.StatusOK, gin.H{"device_id": device.DeviceID, "status": status})
}

func (s *Server) loadDeviceOr404(c *gin.Context, deviceID string) (*Device, bool) {
	var device Device
	if err := s.db.Where("device_id = ?", deviceID).First(&device).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "not_found", "device not found", s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, "store", "failed to load device", s.logger)
		}
		return nil, false
	}
	return &device, true
}

func deviceJSON(device Device) gin.H {
	return gin.H{
		"device_id":        device.DeviceID,
		"fingerprint_hash": device.FingerprintHash,
		"hostname":         device.Hostname,
		"status":           device.Status,
		"owner_user_id":    device.OwnerUserID,
		"last_seen":        device.LastSeen,
		"created_at":       device.CreatedAt,
	}
}

func generateEnrollmentSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
