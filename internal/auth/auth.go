// Package auth hashes and verifies the two credential kinds Speakeasy
// issues: user passwords and Commander API tokens. Both use argon2id with
// a per-secret random salt, verified in constant time.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"speakeasy/internal/apperr"
)

// params controls the argon2id cost. Tuned for an interactive login path,
// not a batch job: ~50ms on commodity hardware.
type params struct {
	memoryKiB  uint32
	iterations uint32
	threads    uint8
	saltLen    uint32
	keyLen     uint32
}

var defaultParams = params{
	memoryKiB:  64 * 1024,
	iterations: 3,
	threads:    4,
	saltLen:    16,
	keyLen:     32,
}

// HashSecret derives an encoded verifier string from secret, suitable for
// storage in model.User.PasswordVerifier or an API token record.
func HashSecret(secret string) (string, error) {
	p := defaultParams
	salt := make([]byte, p.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", apperr.New("auth.HashSecret", apperr.Internal, fmt.Errorf("generate salt: %w", err))
	}
	key := argon2.IDKey([]byte(secret), salt, p.iterations, p.memoryKiB, p.threads, p.keyLen)
	encoded := fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		p.memoryKiB, p.iterations, p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key))
	return encoded, nil
}

// VerifySecret reports whether secret matches the encoded verifier,
// comparing digests in constant time regardless of where they diverge.
func VerifySecret(encoded, secret string) (bool, error) {
	p, salt, want, err := decode(encoded)
	if err != nil {
		return false, apperr.New("auth.VerifySecret", apperr.Internal, err)
	}
	got := argon2.IDKey([]byte(secret), salt, p.iterations, p.memoryKiB, p.threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func decode(encoded string) (params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return params{}, nil, nil, fmt.Errorf("malformed verifier")
	}
	var p params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memoryKiB, &p.iterations, &p.threads); err != nil {
		return params{}, nil, nil, fmt.Errorf("parse params: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return params{}, nil, nil, fmt.Errorf("decode salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return params{}, nil, nil, fmt.Errorf("decode key: %w", err)
	}
	return p, salt, key, nil
}

// GenerateToken returns a random opaque token (for API tokens, invite
// codes) and its display prefix: the token's first prefixLen characters,
// which Commander surfaces without ever revealing the full value again
// after creation.
func GenerateToken(prefixLen int) (token, prefix string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", apperr.New("auth.GenerateToken", apperr.Internal, err)
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	if prefixLen > len(token) {
		prefixLen = len(token)
	}
	return token, token[:prefixLen], nil
}
