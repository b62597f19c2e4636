package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/perimeterlab/attest/pkg/attest"
)

// ChallengeStore issues and consumes single-use challenges. Consumption is
// a compare-and-swap on the used flag so a replayed signature can never be
// accepted twice, even across concurrent requests or service instances.
type ChallengeStore struct {
	db  *gorm.DB
	ttl time.Duration
}

func NewChallengeStore(db *gorm.DB, ttl time.Duration) *ChallengeStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ChallengeStore{db: db, ttl: ttl}
}

func (s *ChallengeStore) TTL() time.Duration {
	return s.ttl
}

// Issue creates a fresh challenge for the device.
func (s *ChallengeStore) Issue(deviceID string) (*Challenge, error) {
	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	challenge := Challenge{
		ChallengeID: uuid.NewString(),
		DeviceID:    deviceID,
		Nonce:       nonce,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.db.Create(&challenge).Error; err != nil {
		return nil, err
	}
	return &challenge, nil
}

// Lookup finds the pending challenge for a device by nonce. A missing row
// is reported as expired: a swept challenge and an expired one must be
// indistinguishable to the caller.
func (s *ChallengeStore) Lookup(deviceID, nonce string) (*Challenge, error) {
	var challenge Challenge
	err := s.db.Where("device_id = ? AND nonce = ?", deviceID, nonce).First(&challenge).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, attest.ErrChallengeExpired
		}
		return nil, err
	}
	if challenge.Used {
		return nil, attest.ErrChallengeUsed
	}
	if time.Now().UTC().After(challenge.ExpiresAt) {
		return nil, attest.ErrChallengeExpired
	}
	return &challenge, nil
}

// Consume marks the challenge used. Exactly one concurrent caller wins the
// update; everyone else sees ErrChallengeUsed.
func (s *ChallengeStore) Consume(challengeID string) error {
	result := s.db.Model(&Challenge{}).
		Where("challenge_id = ? AND used = ?", challengeID, false).
		Where("expires_at > ?", time.Now().UTC()).
		Update("used", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return attest.ErrChallengeUsed
	}
	return nil
}

// Sweep deletes expired challenges. Correctness does not depend on it;
// stale rows already fail lookup.
func (s *ChallengeStore) Sweep() (int64, error) {
	result := s.db.Where("expires_at < ?", time.Now().UTC()).Delete(&Challenge{})
	return result.RowsAffected, result.Error
}

func generateNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
