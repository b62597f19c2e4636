package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// CodeHasher derives deterministic, salted hashes for enrollment codes so
// the raw code is never stored.
type CodeHasher struct {
	salt []byte
}

func NewCodeHasher(salt []byte) CodeHasher {
	return CodeHasher{salt: append([]byte(nil), salt...)}
}

// HashString hashes the given code using HMAC-SHA256 and returns a base64 string.
func (h CodeHasher) HashString(code string) string {
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(code))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
