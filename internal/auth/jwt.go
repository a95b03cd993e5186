// Package auth resolves the tenant identity on every request. Tokens are
// HS256 JWTs carrying the tenant claims; every handler downstream trusts
// only the tenant ID set here.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Auth errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// TenantClaims is what a token asserts about its bearer.
type TenantClaims struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name,omitempty"`
	IsAdmin  bool   `json:"is_admin,omitempty"`
}

// Claims is the full JWT payload.
type Claims struct {
	TenantClaims
	jwt.RegisteredClaims
}

// JWTManager signs and validates tenant tokens.
type JWTManager struct {
	secret   []byte
	duration time.Duration
}

// NewJWTManager creates a manager.
func NewJWTManager(secret string, duration time.Duration) *JWTManager {
	return &JWTManager{secret: []byte(secret), duration: duration}
}

// Generate signs a token for the tenant.
func (m *JWTManager) Generate(claims TenantClaims) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		TenantClaims: claims,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.TenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.duration)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "risk-trader",
			Audience:  []string{"risk-trader-api"},
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate parses a token and returns the tenant claims.
func (m *JWTManager) Validate(tokenString string) (*TenantClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TenantID == "" {
		return nil, ErrInvalidToken
	}
	return &claims.TenantClaims, nil
}
