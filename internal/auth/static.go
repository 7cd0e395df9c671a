// ABOUTME: Static connection token verification using bcrypt hashes
// ABOUTME: The config stores only the hash; the plaintext lives with the client

package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// StaticVerifier implements TokenVerifier against a single bcrypt-hashed
// connection token. Suited to single-user deployments where minting JWTs is
// overkill; the hash goes in the config file, the plaintext in the client.
type StaticVerifier struct {
	hash []byte
}

// NewStaticVerifier creates a verifier for the given bcrypt hash.
func NewStaticVerifier(hash string) *StaticVerifier {
	return &StaticVerifier{hash: []byte(hash)}
}

// Verify compares the presented token against the stored hash.
func (v *StaticVerifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(tokenString)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return "static", nil
}

// HashToken produces a bcrypt hash suitable for the config file. The
// hash-token command uses it.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing token: %w", err)
	}
	return string(hash), nil
}
