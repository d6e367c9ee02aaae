package controlplane

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const credentialBytes = 32

// GenerateCredential returns a fresh URL-safe runner secret.
func GenerateCredential() (string, error) {
	buf := make([]byte, credentialBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate credential: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DigestCredential hashes a plaintext secret for storage and lookup.
func DigestCredential(plaintext string) string {
	sum := blake2b.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Matches reports whether plaintext hashes to the stored digest.
func (c *Credential) Matches(plaintext string) bool {
	if c == nil || plaintext == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(DigestCredential(plaintext)), []byte(c.Digest)) == 1
}

func issueCredential(now time.Time) (*Credential, string, error) {
	plaintext, err := GenerateCredential()
	if err != nil {
		return nil, "", err
	}
	return &Credential{
		ID:       uuid.NewString(),
		Digest:   DigestCredential(plaintext),
		IssuedAt: now,
	}, plaintext, nil
}
