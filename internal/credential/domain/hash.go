package domain

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

const saltBytes = 16

// NewSalt returns a fresh per-credential salt.
func NewSalt() (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	return hex.EncodeToString(salt), nil
}

// HashSecret hashes the raw secret with the credential's salt. The same
// function is used at issuance and at resolution.
func HashSecret(salt, raw string) string {
	h := sha256.New()
	h.Write([]byte(salt))
	h.Write([]byte(raw))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySecret compares the presented secret against the stored hash in
// constant time.
func VerifySecret(salt, raw, storedHash string) bool {
	computed := HashSecret(salt, raw)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}
