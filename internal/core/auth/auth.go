// Package auth validates inbound relay connections: agent API keys by
// hashed lookup, dashboard sessions by signed token. Both paths fail
// closed on any lookup or parse error.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fleetdeck.gateway/internal/core/logger"
	"fleetdeck.gateway/internal/core/ports"
)

var (
	ErrInvalidKey   = errors.New("invalid or expired API key")
	ErrInvalidToken = errors.New("invalid or expired session token")
)

type Authenticator struct {
	keys   ports.APIKeyRepository
	secret []byte
}

func NewAuthenticator(keys ports.APIKeyRepository, jwtSecret string) *Authenticator {
	return &Authenticator{
		keys:   keys,
		secret: []byte(jwtSecret),
	}
}

// HashKey returns the SHA-256 hex digest used to look up an API key.
// The raw token is never stored or compared in plaintext.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// AuthenticateAgent resolves an agent bearer key to its owner id.
// A store error rejects the connection rather than failing open.
func (a *Authenticator) AuthenticateAgent(ctx context.Context, rawKey string) (string, error) {
	if rawKey == "" {
		return "", ErrInvalidKey
	}

	key, err := a.keys.GetByHash(ctx, HashKey(rawKey))
	if err != nil {
		if !errors.Is(err, ports.ErrNotFound) {
			logger.Error("API key lookup failed", "error", err)
		}
		return "", ErrInvalidKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return "", ErrInvalidKey
	}

	// Record key use without blocking the handshake.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.keys.TouchLastUsed(ctx, key.ID); err != nil {
			logger.Warn("failed to record API key use", "key_id", key.ID, "error", err)
		}
	}()

	return key.OwnerID, nil
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

// AuthenticateDashboard validates a session token's signature and expiry
// and returns the user id. No store round trip.
func (a *Authenticator) AuthenticateDashboard(credential string) (string, error) {
	if credential == "" {
		return "", ErrInvalidToken
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}

	return claims.Subject, nil
}

// SessionToken mints a dashboard session token for the given user.
func (a *Authenticator) SessionToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
