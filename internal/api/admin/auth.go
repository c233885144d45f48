package admin

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"
)

// tokenEnv holds raw env values before post-parse validation.
type tokenEnv struct {
	Issuer    string `env:"PIVOT_ADMIN_TOKEN_ISSUER"`
	Audience  string `env:"PIVOT_ADMIN_TOKEN_AUDIENCE"`
	PublicKey string `env:"PIVOT_ADMIN_TOKEN_PUBLIC_KEY"`
}

// TokenConfig defines how admin bearer tokens are verified. The zero value
// disables authentication.
type TokenConfig struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// Enabled reports whether bearer token verification is configured.
func (c TokenConfig) Enabled() bool {
	return len(c.Key) == ed25519.PublicKeySize
}

// adminClaims is the internal claims type used for JWT parsing.
type adminClaims struct {
	jwt.RegisteredClaims
}

// LoadTokenConfigFromEnv reads admin token verification configuration. All
// three variables unset means auth is disabled; a partial set is an error.
func LoadTokenConfigFromEnv(now func() time.Time) (TokenConfig, error) {
	var raw tokenEnv
	if err := env.Parse(&raw); err != nil {
		return TokenConfig{}, fmt.Errorf("parse admin token env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" && audience == "" && publicKey == "" {
		return TokenConfig{}, nil
	}
	if issuer == "" {
		return TokenConfig{}, fmt.Errorf("PIVOT_ADMIN_TOKEN_ISSUER is required")
	}
	if audience == "" {
		return TokenConfig{}, fmt.Errorf("PIVOT_ADMIN_TOKEN_AUDIENCE is required")
	}
	if publicKey == "" {
		return TokenConfig{}, fmt.Errorf("PIVOT_ADMIN_TOKEN_PUBLIC_KEY is required")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return TokenConfig{}, fmt.Errorf("decode admin token public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return TokenConfig{}, fmt.Errorf("admin token public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return TokenConfig{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, nil
}

// verifyToken checks an admin bearer token's signature and claims.
func verifyToken(token string, cfg TokenConfig) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("bearer token is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if !cfg.Enabled() {
		return errors.New("token verifier is not configured")
	}

	var parsed adminClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return errors.New("token is invalid")
	}

	if parsed.Issuer == "" || parsed.Issuer != cfg.Issuer {
		return errors.New("token issuer mismatch")
	}
	if !audienceContains(parsed.Audience, cfg.Audience) {
		return errors.New("token audience mismatch")
	}
	if parsed.ExpiresAt == nil {
		return errors.New("token exp is required")
	}
	now := cfg.Now().UTC()
	if !parsed.ExpiresAt.Time.UTC().After(now) {
		return errors.New("token is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return errors.New("token not active yet")
	}
	return nil
}

// requireAuth enforces bearer token verification when it is configured.
func requireAuth(cfg TokenConfig, next http.Handler) http.Handler {
	if !cfg.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if err := verifyToken(token, cfg); err != nil {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// audienceContains reports whether the audience list contains the given value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
