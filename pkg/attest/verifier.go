// Package attest verifies that a payload was signed by the key enrolled for
// a device. The verifier is a pure decision function: it holds no state and
// never retries, and every failure is one of the typed outcomes in
// errors.go.
package attest

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"github.com/perimeterlab/attest/pkg/canonical"
	"github.com/perimeterlab/attest/pkg/posture"
)

// Verifier checks signatures against PEM-encoded PKIX public keys. Ed25519
// and RSA (PSS, SHA-256) keys are accepted; anything else is an unknown key.
type Verifier struct{}

func NewVerifier() *Verifier {
	return &Verifier{}
}

// VerifyReport checks that sigB64 is a valid signature over the canonical
// signing payload of the posture facts.
func (v *Verifier) VerifyReport(publicKeyPEM []byte, facts posture.Facts, sigB64 string) error {
	payload, err := canonical.SigningPayload(facts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return v.verify(publicKeyPEM, payload, sigB64)
}

// VerifyChallenge checks that sigB64 is a valid signature over the canonical
// challenge payload for nonce.
func (v *Verifier) VerifyChallenge(publicKeyPEM []byte, nonce, sigB64 string) error {
	if nonce == "" {
		return ErrMalformedInput
	}
	return v.verify(publicKeyPEM, canonical.ChallengePayload(nonce), sigB64)
}

func (v *Verifier) verify(publicKeyPEM []byte, payloadB64, sigB64 string) error {
	key, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return err
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) == 0 {
		return ErrMalformedInput
	}

	message := []byte(payloadB64)
	switch pub := key.(type) {
	case ed25519.PublicKey:
		if !ed25519.Verify(pub, message, sig) {
			return ErrInvalidSignature
		}
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil); err != nil {
			return ErrInvalidSignature
		}
	default:
		return ErrUnknownKey
	}
	return nil
}

// ParsePublicKey decodes a PEM-encoded PKIX public key and rejects key
// types the verifier does not speak.
func ParsePublicKey(publicKeyPEM []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, ErrUnknownKey
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, ErrUnknownKey
	}
	switch key.(type) {
	case ed25519.PublicKey, *rsa.PublicKey:
		return key, nil
	}
	return nil, ErrUnknownKey
}

// EncodePublicKey renders a public key as PEM-encoded PKIX, the on-file
// format for enrolled devices.
func EncodePublicKey(key crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
