package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/perimeterlab/attest/pkg/attest"
	"github.com/perimeterlab/attest/pkg/canonical"
	"github.com/perimeterlab/attest/pkg/config"
	"github.com/perimeterlab/attest/pkg/events"
	"github.com/perimeterlab/attest/pkg/policy"
	"github.com/perimeterlab/attest/pkg/posture"
	"github.com/perimeterlab/attest/pkg/scoring"
)

const testAdminToken = "test-admin-token"

type testEnv struct {
	server *Server
	router *gin.Engine
	priv   ed25519.PrivateKey
	pubPEM []byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:handlers-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Device{}, &PostureReport{}, &Challenge{}, &PolicyRuleRow{}, &EnrollmentCode{}))

	cfg := config.DefaultServerConfig()
	cfg.AdminToken = testAdminToken
	cfg.EnrollSalt = "test-salt"
	cfg.Token.Secret = "test-token-secret"
	require.NoError(t, cfg.Validate())

	logger := zerolog.Nop()
	srv := &Server{
		cfg:         cfg,
		db:          db,
		logger:      logger,
		verifier:    attest.NewVerifier(),
		scorer:      scoring.NewScorer(cfg.Posture.CompliantThreshold),
		challenges:  NewChallengeStore(db, time.Duration(cfg.Challenge.TTLSeconds)*time.Second),
		rules:       NewRuleStore(db),
		metrics:     NewMetrics(prometheus.NewRegistry()),
		emitter:     events.NewEmitter("", 8, time.Second, logger),
		codeHasher:  NewCodeHasher([]byte(cfg.EnrollSalt)),
		rateLimiter: NewRateLimiter(),
	}
	srv.engine = policy.NewEngine(srv.freshWindow(), srv.softWindow(), logger)
	t.Cleanup(srv.emitter.Close)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pubPEM, err := attest.EncodePublicKey(pub)
	require.NoError(t, err)

	r := gin.New()
	srv.registerEnrollmentRoutes(r)
	srv.registerPostureRoutes(r)
	srv.registerChallengeRoutes(r)
	srv.registerDecisionRoutes(r)
	srv.registerRuleRoutes(r)

	return &testEnv{server: srv, router: r, priv: priv, pubPEM: pubPEM}
}

func (env *testEnv) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("Authorization", "Bearer "+testAdminToken)
	}
	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body
}

// createActiveDevice inserts an approved device directly, bypassing the
// enrollment flow, for tests that exercise the later stages.
func (env *testEnv) createActiveDevice(t *testing.T, owner string) Device {
	t.Helper()
	device := Device{
		DeviceID:        fmt.Sprintf("dev-%d", time.Now().UnixNano()),
		FingerprintHash: fmt.Sprintf("fp-%d", time.Now().UnixNano()),
		Hostname:        "laptop-01",
		PublicKeyPEM:    env.pubPEM,
		Status:          "active",
		LastSeen:        time.Now().UTC(),
	}
	if owner != "" {
		device.OwnerUserID = &owner
	}
	require.NoError(t, env.server.db.Create(&device).Error)
	return device
}

func healthyFacts() posture.Facts {
	return posture.Facts{
		Hostname:       "laptop-01",
		OS:             "linux",
		Antivirus:      posture.AntivirusFact{Installed: true, Running: true},
		Firewall:       posture.FirewallFact{Enabled: true, Type: "nftables"},
		DiskEncryption: posture.DiskEncryptionFact{Enabled: true, Type: "luks"},
		ScreenLock:     posture.ScreenLockFact{Enabled: true},
		PendingUpdates: 2,
		CollectedAt:    time.Now().UTC(),
	}
}

func signFacts(t *testing.T, priv ed25519.PrivateKey, facts posture.Facts) string {
	t.Helper()
	payload, err := canonical.SigningPayload(facts)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(payload)))
}

func signChallenge(priv ed25519.PrivateKey, nonce string) string {
	payload := canonical.ChallengePayload(nonce)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(payload)))
}

func TestEnrollmentFlow(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/admin/codes", gin.H{"label": "laptops"}, true)
	require.Equal(t, http.StatusCreated, resp.Code)
	code := decodeBody(t, resp)["code"].(string)
	require.NotEmpty(t, code)

	resp = env.do(t, http.MethodPost, "/v1/enroll", gin.H{
		"enrollment_code":    code,
		"device_fingerprint": "fp-enroll-1",
		"public_key":         string(env.pubPEM),
		"hostname":           "laptop-01",
	}, false)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decodeBody(t, resp)
	require.Equal(t, "pending", body["status"])
	deviceID := body["device_id"].(string)

	resp = env.do(t, http.MethodPost, "/v1/admin/devices/"+deviceID+"/approve",
		gin.H{"owner_user_id": "alice"}, true)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "active", decodeBody(t, resp)["status"])

	resp = env.do(t, http.MethodGet, "/v1/admin/devices/"+deviceID, nil, true)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "alice", decodeBody(t, resp)["owner_user_id"])
}

func TestEnrollmentCodeSingleUse(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/admin/codes", gin.H{"label": "once"}, true)
	require.Equal(t, http.StatusCreated, resp.Code)
	code := decodeBody(t, resp)["code"].(string)

	enroll := func(fingerprint string) *httptest.ResponseRecorder {
		return env.do(t, http.MethodPost, "/v1/enroll", gin.H{
			"enrollment_code":    code,
			"device_fingerprint": fingerprint,
			"public_key":         string(env.pubPEM),
		}, false)
	}

	require.Equal(t, http.StatusOK, enroll("fp-first").Code)
	require.Equal(t, http.StatusUnauthorized, enroll("fp-second").Code)
}

func TestEnrollRejectsBadPublicKey(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/admin/codes", gin.H{}, true)
	require.Equal(t, http.StatusCreated, resp.Code)
	code := decodeBody(t, resp)["code"].(string)

	resp = env.do(t, http.MethodPost, "/v1/enroll", gin.H{
		"enrollment_code":    code,
		"device_fingerprint": "fp-bad-key",
		"public_key":         "not a pem block",
	}, false)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/admin/devices", nil, false)
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/devices", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp = httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestPostureReportAcceptedAndScored(t *testing.T) {
	env := newTestEnv(t)
	device := env.createActiveDevice(t, "alice")
	facts := healthyFacts()

	resp := env.do(t, http.MethodPost, "/v1/posture", gin.H{
		"device_id": device.DeviceID,
		"facts":     facts,
		"signature": signFacts(t, env.priv, facts),
	}, false)
	require.Equal(t, http.StatusOK, resp.Code)

	body := decodeBody(t, resp)
	require.Equal(t, true, body["accepted"])
	require.Equal(t, float64(100), body["score"])
	require.Equal(t, true, body["is_compliant"])

	var report PostureReport
	require.NoError(t, env.server.db.Where("device_id = ?", device.DeviceID).First(&report).Error)
	require.True(t, report.SignatureValid)
	require.Equal(t, 100, report.Score)
}

func TestPostureReportInvalidSignatureRecorded(t *testing.T) {
	env := newTestEnv(t)
	device := env.createActiveDevice(t, "alice")
	facts := healthyFacts()

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	resp := env.do(t, http.MethodPost, "/v1/posture", gin.H{
		"device_id": device.DeviceID,
		"facts":     facts,
		"signature": signFacts(t, otherPriv, facts),
	}, false)
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	var report PostureReport
	require.NoError(t, env.server.db.Where("device_id = ?", device.DeviceID).First(&report).Error)
	require.False(t, report.SignatureValid)
}

func TestPostureReportRequiresActiveDevice(t *testing.T) {
	env := newTestEnv(t)
	device := env.createActiveDevice(t, "")
	require.NoError(t, env.server.db.Model(&device).Update("status", "pending").Error)

	facts := healthyFacts()
	resp := env.do(t, http.MethodPost, "/v1/posture", gin.H{
		"device_id": device.DeviceID,
		"facts":     facts,
		"signature": signFacts(t, env.priv, facts),
	}, false)
	require.Equal(t, http.StatusForbidden, resp.Code)
}

func TestPostureReportRejectsStaleFacts(t *testing.T) {
	env := newTestEnv(t)
	device := env.createActiveDevice(t, "alice")

	facts := healthyFacts()
	facts.CollectedAt = time.Now().Add(-2 * time.Hour)

	resp := env.do(t, http.MethodPost, "/v1/posture", gin.H{
		"device_id": device.DeviceID,
		"facts":     facts,
		"signature": signFacts(t, env.priv, facts),
	}, false)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestPostureReportRejectsFutureFacts(t *testing.T) {
	env := newTestEnv(t)
	device := env.createActiveDevice(t, "alice")

	facts := healthyFacts()
	facts.CollectedAt = time.Now().Add(time.Hour)

	resp := env.do(t, http.MethodPost, "/v1/posture", gin.H{
		"device_id": device.DeviceID,
		"facts":     facts,
		"signature": signFacts(t, env.priv, facts),
	}, false)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestChallengeTokenFlow(t *testing.T) {
	env := newTestEnv(t)
	device := env.createActiveDevice(t, "alice")

	facts := healthyFacts()
	resp := env.do(t, http.MethodPost, "/v1/posture", gin.H{
		"device_id": device.DeviceID,
		"facts":     facts,
		"signature": signFacts(t, env.priv, facts),
	}, false)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = env.do(t, http.MethodPost, "/v1/challenge", gin.H{"device_id": device.DeviceID}, false)
	require.Equal(t, http.StatusOK, resp.Code)
	nonce := decodeBody(t, resp)["challenge"].(string)
	require.NotEmpty(t, nonce)

	resp = env.do(t, http.MethodPost, "/v1/issue", gin.H{
		"device_id": device.DeviceID,
		"challenge": nonce,
		"signature": signChallenge(env.priv, nonce),
		"resource":  "prod-db",
	}, false)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decodeBody(t, resp)
	require.Equal(t, true, body["is_compliant"])

	token, err := jwt.Parse(body["token"].(string), func(tok *jwt.Token) (any, error) {
		return []byte(env.server.cfg.Token.Secret), nil
	})
	require.NoError(t, err)
	claims := token.Claims.(jwt.MapClaims)
	require.Equal(t, device.DeviceID, claims["sub"])
	require.Equal(t, "prod-db", claims["resource"])
	require.Equal(t, true, claims["compliant"])
}

func TestChallengeIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	device := env.createActiveDevice(t, "alice")

	resp := env.do(t, http.MethodPost, "/v1/challenge", gin.H{"device_id": device.DeviceID}, false)
	require.Equal(t, http.StatusOK, resp.Code)
	nonce := decodeBody(t, resp)["challenge"].(string)

	issue := func() *httptest.ResponseRecorder {
		return env.do(t, http.MethodPost, "/v1/issue", gin.H{
			"device_id": device.DeviceID,
			"challenge": nonce,
			"signature": signChallenge(env.priv, nonce),
			"resource":  "prod-db",
		}, false)
	}

	require.Equal(t, http.StatusOK, issue().Code)
	require.Equal(t, http.StatusUnauthorized, issue().Code)
}

func TestBadSignatureDoesNotConsumeChallenge(t *testing.T) {
	env := newTestEnv(t)
	device := env.createActiveDevice(t, "alice")

	resp := env.do(t, http.MethodPost, "/v1/challenge", gin.H{"device_id": device.DeviceID}, false)
	require.Equal(t, http.StatusOK, resp.Code)
	nonce := decodeBody(t, resp)["challenge"].(string)

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	resp = env.do(t, http.MethodPost, "/v1/issue", gin.H{
		"device_id": device.DeviceID,
		"challenge": nonce,
		"signature": signChallenge(otherPriv, nonce),
		"resource":  "prod-db",
	}, false)
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	// The forged attempt must not burn the nonce for the real key holder.
	resp = env.do(t, http.MethodPost, "/v1/issue", gin.H{
		"device_id": device.DeviceID,
		"challenge": nonce,
		"signature": signChallenge(env.priv, nonce),
		"resource":  "prod-db",
	}, false)
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestExpiredChallengeRefused(t *testing.T) {
	env := newTestEnv(t)
	device := env.createActiveDevice(t, "alice")

	expired := Challenge{
		ChallengeID: "chal-expired",
		DeviceID:    device.DeviceID,
		Nonce:       "expired-nonce",
		IssuedAt:    time.Now().Add(-10 * time.Minute),
		ExpiresAt:   time.Now().Add(-5 * time.Minute),
	}
	require.NoError(t, env.server.db.Create(&expired).Error)

	resp := env.do(t, http.MethodPost, "/v1/issue", gin.H{
		"device_id": device.DeviceID,
		"challenge": expired.Nonce,
		"signature": signChallenge(env.priv, expired.Nonce),
		"resource":  "prod-db",
	}, false)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestDecisionNoDeviceDenied(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/decision", gin.H{
		"user_id":  "mallory",
		"roles":    []string{"engineer"},
		"resource": "prod-db",
	}, false)
	require.Equal(t, http.StatusOK, resp.Code)

	var decision policy.Decision
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &decision))
	require.False(t, decision.Allowed)
	require.Equal(t, policy.ReasonNoDevice, decision.ReasonCode)
	require.Equal(t, policy.RiskHigh, decision.RiskLevel)
}

func TestDecisionFollowsCompliance(t *testing.T) {
	env := newTestEnv(t)
	device := env.createActiveDevice(t, "alice")

	facts := healthyFacts()
	resp := env.do(t, http.MethodPost, "/v1/posture", gin.H{
		"device_id": device.DeviceID,
		"facts":     facts,
		"signature": signFacts(t, env.priv, facts),
	}, false)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = env.do(t, http.MethodPost, "/v1/decision", gin.H{
		"user_id":  "alice",
		"roles":    []string{"engineer"},
		"resource": "prod-db",
	}, false)
	require.Equal(t, http.StatusOK, resp.Code)

	var decision policy.Decision
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &decision))
	require.True(t, decision.Allowed)
	require.Equal(t, policy.RiskLow, decision.RiskLevel)
	require.False(t, decision.RequiresStepUp)

	// Firewall goes down: score drops to 75, still compliant.
	degraded := healthyFacts()
	degraded.Firewall.Enabled = false
	degraded.CollectedAt = time.Now().UTC().Add(time.Second)

	resp = env.do(t, http.MethodPost, "/v1/posture", gin.H{
		"device_id": device.DeviceID,
		"facts":     degraded,
		"signature": signFacts(t, env.priv, degraded),
	}, false)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decodeBody(t, resp)
	require.Equal(t, float64(75), body["score"])
	require.Equal(t, true, body["is_compliant"])

	// Antivirus stops too: 45, non-compliant.
	bad := degraded
	bad.Antivirus.Running = false
	bad.CollectedAt = time.Now().UTC().Add(2 * time.Second)

	resp = env.do(t, http.MethodPost, "/v1/posture", gin.H{
		"device_id": device.DeviceID,
		"facts":     bad,
		"signature": signFacts(t, env.priv, bad),
	}, false)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, float64(45), decodeBody(t, resp)["score"])

	resp = env.do(t, http.MethodPost, "/v1/decision", gin.H{
		"user_id":  "alice",
		"roles":    []string{"engineer"},
		"resource": "prod-db",
	}, false)
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &decision))
	require.False(t, decision.Allowed)
	require.Equal(t, policy.ReasonNonCompliant, decision.ReasonCode)
	require.Equal(t, policy.RiskHigh, decision.RiskLevel)
}

func TestRuleLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rule := policy.Rule{
		Name:     "deny-contractors",
		Priority: 100,
		Mode:     policy.ModeEnforce,
		Action:   policy.ActionDeny,
		Condition: policy.Condition{
			Kind: policy.KindRole,
			Role: "contractor",
		},
	}

	resp := env.do(t, http.MethodPut, "/v1/admin/rules", rule, true)
	require.Equal(t, http.StatusOK, resp.Code)
	var saved policy.Rule
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &saved))
	require.NotEmpty(t, saved.ID)

	resp = env.do(t, http.MethodGet, "/v1/admin/rules", nil, true)
	require.Equal(t, http.StatusOK, resp.Code)
	var rules []policy.Rule
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &rules))
	require.Len(t, rules, 1)

	// The rule actually bites: a contractor with a healthy device is denied.
	device := env.createActiveDevice(t, "carol")
	facts := healthyFacts()
	postResp := env.do(t, http.MethodPost, "/v1/posture", gin.H{
		"device_id": device.DeviceID,
		"facts":     facts,
		"signature": signFacts(t, env.priv, facts),
	}, false)
	require.Equal(t, http.StatusOK, postResp.Code)

	resp = env.do(t, http.MethodPost, "/v1/decision", gin.H{
		"user_id":  "carol",
		"roles":    []string{"contractor"},
		"resource": "prod-db",
	}, false)
	var decision policy.Decision
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &decision))
	require.False(t, decision.Allowed)
	require.Equal(t, "deny-contractors", decision.RuleName)

	resp = env.do(t, http.MethodDelete, "/v1/admin/rules/"+saved.ID, nil, true)
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = env.do(t, http.MethodGet, "/v1/admin/rules", nil, true)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &rules))
	require.Empty(t, rules)
}

func TestBusyErrorDetection(t *testing.T) {
	require.True(t, isBusyError(fmt.Errorf("database is locked (5) (SQLITE_BUSY)")))
	require.True(t, isBusyError(fmt.Errorf("database table is locked: posture_reports")))

	// Permanent failures must not trigger the write retry.
	require.False(t, isBusyError(nil))
	require.False(t, isBusyError(fmt.Errorf("UNIQUE constraint failed: posture_reports.id")))
	require.False(t, isBusyError(gorm.ErrInvalidData))
}
