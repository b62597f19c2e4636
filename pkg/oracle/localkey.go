package oracle

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/perimeterlab/attest/pkg/attest"
)

// LocalKey is a file-backed Ed25519 signer for hosts without a hardware
// oracle, and for tests. It satisfies the same contract so nothing above it
// can tell the difference.
type LocalKey struct {
	path string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

type storedKey struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// LoadOrCreateLocalKey loads the key at path, generating and persisting a
// new one (0600) when none exists.
func LoadOrCreateLocalKey(path string) (*LocalKey, error) {
	key, err := LoadLocalKey(path)
	if err == nil {
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	key = &LocalKey{path: path, priv: priv, pub: pub}
	if err := key.save(); err != nil {
		return nil, err
	}
	return key, nil
}

func LoadLocalKey(path string) (*LocalKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var stored storedKey
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("oracle: parse key file: %w", err)
	}
	pub, err := base64.StdEncoding.DecodeString(stored.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("oracle: decode public key: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(stored.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("oracle: decode private key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("oracle: key file has wrong key sizes")
	}
	return &LocalKey{path: path, priv: ed25519.PrivateKey(priv), pub: ed25519.PublicKey(pub)}, nil
}

func (k *LocalKey) save() error {
	stored := storedKey{
		PublicKey:  base64.StdEncoding.EncodeToString(k.pub),
		PrivateKey: base64.StdEncoding.EncodeToString(k.priv),
	}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(k.path, data, 0o600)
}

func (k *LocalKey) InitKey(context.Context) ([]byte, error) {
	return attest.EncodePublicKey(k.pub)
}

func (k *LocalKey) Sign(_ context.Context, payloadB64 string) (string, error) {
	if len(k.priv) == 0 {
		return "", fmt.Errorf("oracle: no private key")
	}
	sig := ed25519.Sign(k.priv, []byte(payloadB64))
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (k *LocalKey) Status(context.Context) (Status, error) {
	return Status{Available: true, KeyExists: len(k.priv) > 0}, nil
}

var _ Signer = (*LocalKey)(nil)
