// Package auth implements the authentication broker: HS256 JWT issuance and
// validation, terminal-bound API keys, and the caller context every handler
// consumes.
//
// Two credentials exist side by side. Staff and back-office callers present
// a Bearer JWT carrying the tenant claim. POS terminals present the
// X-API-Key header together with a terminal_id query parameter; the key is
// stored hashed and compared in constant time.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"openpos/internal/apperr"
)

// Caller is the authenticated identity attached to every request context.
type Caller struct {
	UserID      string
	TenantID    string
	StoreCode   string
	TerminalID  string
	StaffID     string
	Roles       []string
	IsSuperuser bool
	IsActive    bool
}

// Claims is the JWT claim set this broker issues and accepts.
type Claims struct {
	TenantID    string `json:"tenant_id"`
	IsSuperuser bool   `json:"is_superuser"`
	IsActive    bool   `json:"is_active"`
	jwt.RegisteredClaims
}

// Broker issues and validates tokens and API keys.
type Broker struct {
	secret []byte
	expiry time.Duration
}

// NewBroker creates a broker signing with secret; tokens expire after expiry.
func NewBroker(secret string, expiry time.Duration) *Broker {
	return &Broker{secret: []byte(secret), expiry: expiry}
}

// IssueToken signs a token for the given subject and tenant.
func (b *Broker) IssueToken(userID, tenantID string, superuser, active bool) (string, error) {
	now := time.Now()
	claims := Claims{
		TenantID:    tenantID,
		IsSuperuser: superuser,
		IsActive:    active,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(b.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(b.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a token, returning the caller it names.
// Only HS256 is accepted.
func (b *Broker) ValidateToken(tokenString string) (*Caller, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return b.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, apperr.Authentication(apperr.CodeAccountBase+1, "invalid or expired token")
	}
	if !claims.IsActive {
		return nil, apperr.Authentication(apperr.CodeAccountBase+2, "account is inactive")
	}
	return &Caller{
		UserID:      claims.Subject,
		TenantID:    claims.TenantID,
		IsSuperuser: claims.IsSuperuser,
		IsActive:    claims.IsActive,
	}, nil
}

// GenerateAPIKey returns a fresh random key and its storable hash.
// The plain key is shown to the caller exactly once at terminal creation.
func GenerateAPIKey() (plain, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	plain = hex.EncodeToString(buf)
	return plain, HashAPIKey(plain), nil
}

// HashAPIKey returns the hex sha256 digest stored per terminal.
func HashAPIKey(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// VerifyAPIKey compares a presented key against the stored hash in constant
// time.
func VerifyAPIKey(presented, storedHash string) bool {
	presentedHash := HashAPIKey(presented)
	return subtle.ConstantTimeCompare([]byte(presentedHash), []byte(storedHash)) == 1
}

// HashPassword salts and hashes an account password for storage.
func HashPassword(password string) (saltHex, hashHex string, err error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}
	sum := sha256.Sum256(append(salt, []byte(password)...))
	return hex.EncodeToString(salt), hex.EncodeToString(sum[:]), nil
}

// VerifyPassword checks a password against its stored salt and hash in
// constant time.
func VerifyPassword(password, saltHex, hashHex string) bool {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(append(salt, []byte(password)...))
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(hashHex)) == 1
}

type callerKey struct{}

// WithCaller attaches the caller to a request context.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom extracts the caller; ok is false for unauthenticated contexts.
func CallerFrom(ctx context.Context) (*Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(*Caller)
	return c, ok
}
