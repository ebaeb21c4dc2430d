package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	service := NewJWTService("secret", "kohtravel", time.Hour)
	token, err := service.Generate("user-1", "user@example.com", "User")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	id, err := service.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if id.UserID != "user-1" {
		t.Fatalf("expected user id, got %q", id.UserID)
	}
	if id.Email != "user@example.com" {
		t.Fatalf("expected email, got %q", id.Email)
	}
	if id.Method != MethodJWT {
		t.Fatalf("expected jwt method, got %q", id.Method)
	}
}

func TestJWTServiceRejects(t *testing.T) {
	service := NewJWTService("secret", "kohtravel", time.Hour)

	sign := func(method jwt.SigningMethod, key any, claims jwt.Claims) string {
		t.Helper()
		token, err := jwt.NewWithClaims(method, claims).SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return token
	}

	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not-a-token"},
		{name: "wrong secret", token: sign(jwt.SigningMethodHS256, []byte("other"), jwt.RegisteredClaims{Subject: "u", Issuer: "kohtravel"})},
		{name: "wrong issuer", token: sign(jwt.SigningMethodHS256, []byte("secret"), jwt.RegisteredClaims{Subject: "u", Issuer: "elsewhere"})},
		{name: "no subject", token: sign(jwt.SigningMethodHS256, []byte("secret"), jwt.RegisteredClaims{Issuer: "kohtravel"})},
		{name: "expired", token: sign(jwt.SigningMethodHS256, []byte("secret"), jwt.RegisteredClaims{
			Subject: "u", Issuer: "kohtravel", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		})},
		{name: "hs512", token: sign(jwt.SigningMethodHS512, []byte("secret"), jwt.RegisteredClaims{Subject: "u", Issuer: "kohtravel"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := service.Validate(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("Validate() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestServiceAuthenticate(t *testing.T) {
	service := NewService(Config{APIKeys: []string{"k1", " "}, JWTSecret: "secret"})
	token, err := service.GenerateJWT("user-9", "", "")
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}

	tests := []struct {
		name       string
		apiKey     string
		bearer     string
		wantErr    error
		wantMethod Method
		wantUser   string
	}{
		{name: "api key header", apiKey: "k1", wantMethod: MethodAPIKey},
		{name: "api key as bearer", bearer: "k1", wantMethod: MethodAPIKey},
		{name: "jwt bearer", bearer: token, wantMethod: MethodJWT, wantUser: "user-9"},
		{name: "bad api key", apiKey: "nope", wantErr: ErrInvalidKey},
		{name: "bad bearer", bearer: "nope", wantErr: ErrInvalidToken},
		{name: "nothing", wantErr: ErrMissingCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := service.Authenticate(tt.apiKey, tt.bearer)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if id.Method != tt.wantMethod || id.UserID != tt.wantUser {
				t.Fatalf("identity = %+v", id)
			}
		})
	}

	if NewService(Config{}).Enabled() {
		t.Fatal("empty config should disable auth")
	}
}
