// Package auth handles the two credentials the API accepts: HS256 user tokens
// issued by the hosted auth provider and bcrypt-hashed sensor API keys.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pharmachain/pharmachain/internal/models"
)

const (
	tokenBytes = 32
	// KeyPrefix marks sensor API keys so they can be told apart from JWTs.
	KeyPrefix  = "pc_"
	bcryptCost = 12
	prefixLen  = 8 // chars of base64url used as O(1) lookup prefix
)

var ErrInvalidRole = errors.New("auth: token carries no valid role")

// GenerateSensorKey returns (plaintext, bcryptHash, lookupPrefix, error).
// The plaintext is shown to the caller exactly once; only the hash is stored.
func GenerateSensorKey() (plaintext, hash, prefix string, err error) {
	b := make([]byte, tokenBytes)
	if _, err = rand.Read(b); err != nil {
		return "", "", "", fmt.Errorf("auth: rand: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(b)
	plaintext = KeyPrefix + encoded
	prefix = encoded[:prefixLen]
	hashBytes, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
	if err != nil {
		return "", "", "", fmt.Errorf("auth: bcrypt: %w", err)
	}
	return plaintext, string(hashBytes), prefix, nil
}

// ValidateSensorKey compares a plaintext key against a bcrypt hash.
func ValidateSensorKey(plaintext, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// IsSensorKey reports whether a bearer credential looks like a sensor key.
func IsSensorKey(credential string) bool {
	return strings.HasPrefix(credential, KeyPrefix)
}

// PrefixOf extracts the lookup prefix from a plaintext sensor key.
func PrefixOf(plaintext string) (string, error) {
	if !IsSensorKey(plaintext) {
		return "", fmt.Errorf("auth: invalid key format")
	}
	body := plaintext[len(KeyPrefix):]
	if len(body) < prefixLen {
		return "", fmt.Errorf("auth: key too short")
	}
	return body[:prefixLen], nil
}

// Claims is the user token payload. Email identifies the actor in ledger
// blocks and audit entries; Role drives route authorization.
type Claims struct {
	Email string      `json:"email"`
	Role  models.Role `json:"role"`
	jwt.RegisteredClaims
}

// IssueJWT signs a token for a user. The API only verifies tokens; issuing is
// used by the verify CLI and by tests.
func IssueJWT(secret, issuer, email string, role models.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   email,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// VerifyJWT validates a token and returns its claims. When issuer is non-empty
// the iss claim must match it.
func VerifyJWT(secret, issuer, tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: jwt verify: %w", err)
	}
	if !claims.Role.Valid() || claims.Role == models.RoleSystem {
		return nil, ErrInvalidRole
	}
	return &claims, nil
}
