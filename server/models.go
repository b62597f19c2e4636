package main

import "time"

// Device is an enrolled (or pending) device. PublicKeyPEM is the sole root
// of trust for every signature the device presents; it is only ever set at
// enrollment, and re-enrollment with a new key invalidates prior history.
type Device struct {
	ID              uint   `gorm:"primaryKey"`
	DeviceID        string `gorm:"uniqueIndex"`
	FingerprintHash string `gorm:"uniqueIndex"`
	Hostname        string `gorm:"index"`
	PublicKeyPEM    []byte
	Status          string  `gorm:"index"` // pending, active, rejected
	OwnerUserID     *string `gorm:"index"`
	LastSeen        time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PostureReport is one row of the compliance ledger. Rows are appended at
// ingestion and never mutated; SignatureValid is computed exactly once.
type PostureReport struct {
	ID             uint      `gorm:"primaryKey"`
	DeviceID       string    `gorm:"index:idx_report_device_ts"`
	Timestamp      time.Time `gorm:"index:idx_report_device_ts"`
	RawFacts       string    `gorm:"type:text"`
	Signature      string    `gorm:"type:text"`
	SignatureValid bool
	Score          int
	Violations     string `gorm:"type:text"` // JSON array
	IsCompliant    bool
	CreatedAt      time.Time
}

// Challenge is an ephemeral single-use nonce bound to a device. Used flips
// false to true exactly once; expired rows are swept in the background.
type Challenge struct {
	ID          uint   `gorm:"primaryKey"`
	ChallengeID string `gorm:"uniqueIndex"`
	DeviceID    string `gorm:"index"`
	Nonce       string `gorm:"uniqueIndex"`
	IssuedAt    time.Time
	ExpiresAt   time.Time `gorm:"index"`
	Used        bool
}

// PolicyRuleRow persists one access rule. Conditions are stored as the
// validated JSON form of policy.Condition.
type PolicyRuleRow struct {
	ID            uint   `gorm:"primaryKey"`
	RuleID        string `gorm:"uniqueIndex"`
	Name          string `gorm:"uniqueIndex"`
	Priority      int
	Mode          string
	Action        string
	ConditionJSON string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EnrollmentCode stores hashed, single-use enrollment codes.
type EnrollmentCode struct {
	ID         uint `gorm:"primaryKey"`
	Label      string
	CodeHash   string `gorm:"uniqueIndex"`
	ExpiresAt  time.Time
	UsedAt     *time.Time
	RedeemedBy string
	CreatedAt  time.Time
}
