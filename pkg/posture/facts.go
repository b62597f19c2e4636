// Package posture collects the security facts a device reports about
// itself: antivirus, firewall, disk encryption, screen lock, and pending
// updates. Facts are the canonical unit that gets signed, scored, and
// appended to the server's compliance ledger.
package posture

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/denisbrodbeck/machineid"
)

// Facts is the canonical posture snapshot. An absent control decodes to its
// zero value and is scored as failed, so a device cannot improve its score
// by omitting a field.
type Facts struct {
	Hostname       string             `json:"hostname,omitempty"`
	OS             string             `json:"os,omitempty"`
	Antivirus      AntivirusFact      `json:"antivirus"`
	Firewall       FirewallFact       `json:"firewall"`
	DiskEncryption DiskEncryptionFact `json:"disk_encryption"`
	ScreenLock     ScreenLockFact     `json:"screen_lock"`
	PendingUpdates int                `json:"pending_updates"`
	CollectedAt    time.Time          `json:"collected_at"`
}

type AntivirusFact struct {
	Installed bool `json:"installed"`
	Running   bool `json:"running"`
}

type FirewallFact struct {
	Enabled bool   `json:"enabled"`
	Type    string `json:"type,omitempty"` // ufw, nftables, iptables, pf, windows-defender
}

type DiskEncryptionFact struct {
	Enabled bool   `json:"enabled"`
	Type    string `json:"type,omitempty"` // luks, filevault, bitlocker
}

type ScreenLockFact struct {
	Enabled bool `json:"enabled"`
}

const fingerprintAppID = "perimeterlab-attest"

// Fingerprint derives a stable hardware identifier for enrollment. The
// machine ID is keyed to this application, then hashed so the raw platform
// identifier never leaves the device.
func Fingerprint() (string, error) {
	id, err := machineid.ProtectedID(fingerprintAppID)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:]), nil
}
