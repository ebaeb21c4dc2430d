// Package auth verifies API keys and bearer tokens on the HTTP surface.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	ErrAuthDisabled       = errors.New("auth disabled")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidKey         = errors.New("invalid api key")
	ErrMissingCredentials = errors.New("missing credentials")
)

// Config configures authentication.
type Config struct {
	// APIKeys are accepted verbatim in X-API-Key or as a bearer token.
	APIKeys []string

	// JWTSecret enables HS256 bearer tokens.
	JWTSecret string

	// JWTIssuer, when set, must match the token's iss claim.
	JWTIssuer string

	// TokenExpiry applies to tokens issued by GenerateJWT.
	TokenExpiry time.Duration
}

// Method names how a caller authenticated.
type Method string

const (
	MethodAPIKey Method = "api_key"
	MethodJWT    Method = "jwt"
)

// Identity is an authenticated caller. UserID is set only for JWTs; API key
// callers act for the user named in the request body.
type Identity struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
	Method Method `json:"method"`
	KeyID  string `json:"key_id,omitempty"`
}

// Service validates JWTs and API keys.
type Service struct {
	jwt     *JWTService
	apiKeys map[string]string
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{apiKeys: map[string]string{}}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenExpiry)
	}
	for _, key := range cfg.APIKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		sum := sha256.Sum256([]byte(key))
		service.apiKeys[key] = "key_" + hex.EncodeToString(sum[:6])
	}
	return service
}

// Enabled reports whether auth checks should run.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// GenerateJWT issues a signed token for userID.
func (s *Service) GenerateJWT(userID, email, name string) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(userID, email, name)
}

// ValidateJWT validates a JWT and returns the caller it names.
func (s *Service) ValidateJWT(token string) (*Identity, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// ValidateAPIKey validates an API key. Every configured key is compared in
// constant time.
func (s *Service) ValidateAPIKey(key string) (*Identity, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return nil, ErrAuthDisabled
	}
	input := []byte(strings.TrimSpace(key))
	var keyID string
	for stored, id := range s.apiKeys {
		if subtle.ConstantTimeCompare(input, []byte(stored)) == 1 {
			keyID = id
		}
	}
	if keyID == "" {
		return nil, ErrInvalidKey
	}
	return &Identity{Method: MethodAPIKey, KeyID: keyID}, nil
}

// Authenticate accepts an API key, or a bearer value that is either an API
// key or a JWT.
func (s *Service) Authenticate(apiKey, bearer string) (*Identity, error) {
	apiKey = strings.TrimSpace(apiKey)
	bearer = strings.TrimSpace(bearer)
	switch {
	case apiKey != "":
		return s.ValidateAPIKey(apiKey)
	case bearer == "":
		return nil, ErrMissingCredentials
	}
	if len(s.apiKeys) > 0 {
		if id, err := s.ValidateAPIKey(bearer); err == nil {
			return id, nil
		}
	}
	if s.jwt == nil {
		return nil, ErrInvalidKey
	}
	return s.ValidateJWT(bearer)
}
