// Package auth provides bearer-token verification for network control requests.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleParent is the only role allowed to change a device's network access.
const RoleParent = "parent"

// RoleKid is issued to children; it carries no network control privileges.
const RoleKid = "kid"

var (
	// ErrSecretNotConfigured is returned for every validation when the
	// service was started without a shared secret.
	ErrSecretNotConfigured = errors.New("jwt secret is not configured")

	// ErrInvalidToken wraps any parse or signature failure.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims represents the JWT claims presented by the mobile app.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTService handles HS256 token generation and validation.
type JWTService struct {
	secret []byte
	issuer string
}

// NewJWTService creates a JWT service with the given shared secret. An empty
// secret is accepted so the service can start, but every validation fails.
func NewJWTService(secret []byte, issuer string) *JWTService {
	return &JWTService{
		secret: secret,
		issuer: issuer,
	}
}

// Configured reports whether a shared secret is present. A nil service is
// never configured.
func (s *JWTService) Configured() bool {
	return s != nil && len(s.secret) > 0
}

// GenerateToken creates a signed JWT carrying the given role. A zero
// duration produces a token without an expiry.
func (s *JWTService) GenerateToken(subject, role string, duration time.Duration) (string, error) {
	if !s.Configured() {
		return "", ErrSecretNotConfigured
	}

	now := time.Now()

	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.issuer,
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if duration != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(duration))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedToken, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signedToken, nil
}

// ValidateToken verifies a JWT and returns the claims.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	if !s.Configured() {
		return nil, ErrSecretNotConfigured
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// IsParent reports whether the claims grant network control.
func (c *Claims) IsParent() bool {
	return c != nil && c.Role == RoleParent
}
