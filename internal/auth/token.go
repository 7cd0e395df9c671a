// ABOUTME: HS256 connection tokens minted and checked by the gateway itself.
// ABOUTME: The token subcommand generates them; the WebSocket endpoint verifies them.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer names the gateway in the tokens it mints. Verification rejects
// tokens minted by anything else, even under the same secret.
const Issuer = "chatter-gateway"

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenVerifier checks a connection credential and names its principal.
type TokenVerifier interface {
	Verify(tokenString string) (principalID string, err error)
}

// connectionClaims is the claim set carried by a connection token. The
// principal is whoever the token was minted for, typically a client UI
// instance.
type connectionClaims struct {
	jwt.RegisteredClaims
}

// JWTVerifier mints and verifies HS256 connection tokens around one shared
// secret. The gateway is both sides of the exchange, so symmetric signing is
// enough; there is no third party to hand a public key to.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier around the given secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates signature, expiry, and issuer, and returns the principal
// from the subject claim.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	var claims connectionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims,
		func(token *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims.Subject, nil
}

// Generate mints a connection token for the given principal.
func (v *JWTVerifier) Generate(principalID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := connectionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
