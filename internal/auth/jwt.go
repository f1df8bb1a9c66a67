// Package auth validates access tokens issued by the identity provider and
// maps roles to the capabilities the trust endpoints require.
package auth

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeAccess is the only token type accepted by the API.
const TokenTypeAccess = "access"

// DefaultLeeway tolerates clock skew between issuer and API.
const DefaultLeeway = 30 * time.Second

var (
	// ErrInvalidToken is returned when token validation fails.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
	// ErrMissingRole is returned when a valid token names no known role.
	ErrMissingRole = errors.New("token carries no recognised role")
)

// Claims are the access token claims. Subject is the audit actor.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
	Type string `json:"typ"`
}

// Actor returns the subject the audit ledger records.
func (c *Claims) Actor() string {
	return c.Subject
}

// JWTService validates HS256 access tokens. Tokens are checked against the
// current secret first and the previous one during a rotation.
type JWTService struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
}

// NewJWTService creates a validator. previousSecret may be empty.
func NewJWTService(currentSecret, previousSecret string, leeway time.Duration) *JWTService {
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	svc := &JWTService{
		currentSecret: []byte(currentSecret),
		leeway:        leeway,
	}
	if previousSecret != "" {
		svc.previousSecret = []byte(previousSecret)
	}
	return svc
}

// ValidateToken parses and validates an access token and returns its
// claims. The role must be one of the known roles.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString, s.currentSecret)
	if err != nil && s.previousSecret != nil && !errors.Is(err, jwt.ErrTokenExpired) {
		claims, err = s.parse(tokenString, s.previousSecret)
	}
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims.Type != TokenTypeAccess || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	// The subject is written to the audit ledger verbatim.
	if !utf8.ValidString(claims.Subject) || strings.IndexByte(claims.Subject, 0) >= 0 {
		return nil, ErrInvalidToken
	}
	if _, err := ParseRole(claims.Role); err != nil {
		return nil, ErrMissingRole
	}
	return claims, nil
}

func (s *JWTService) parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithLeeway(s.leeway), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
