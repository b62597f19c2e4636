package attest

import "errors"

// Typed verification outcomes. Callers must treat ErrChallengeExpired and
// ErrChallengeUsed identically to ErrInvalidSignature when responding to a
// device, so a forger learns nothing about which check tripped.
var (
	ErrInvalidSignature = errors.New("signature verification failed")
	ErrChallengeExpired = errors.New("challenge expired")
	ErrChallengeUsed    = errors.New("challenge already used")
	ErrUnknownKey       = errors.New("no usable public key on file")
	ErrMalformedInput   = errors.New("malformed attestation input")
)
