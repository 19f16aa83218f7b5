package relay

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAuthenticatorNotRequiredWhenUnconfigured(t *testing.T) {
	a := NewAuthenticator(&Config{})
	if a.Required() {
		t.Fatal("expected auth not required with no token/secret configured")
	}
	if _, err := a.Validate(""); err != nil {
		t.Fatalf("unexpected error when auth is not required: %v", err)
	}
}

func TestAuthenticatorStaticToken(t *testing.T) {
	a := NewAuthenticator(&Config{Token: "s3cret"})
	if !a.Required() {
		t.Fatal("expected auth required when a static token is configured")
	}
	if _, err := a.Validate("wrong"); err == nil {
		t.Fatal("expected validation failure for wrong token")
	}
	if _, err := a.Validate("s3cret"); err != nil {
		t.Fatalf("expected valid token to pass, got %v", err)
	}
}

func TestAuthenticatorJWTRoundTrip(t *testing.T) {
	a := NewAuthenticator(&Config{JWTSecret: "hmac-secret"})
	tok, err := a.CreateToken("ext-123", time.Minute)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	extID, err := a.Validate(tok)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if extID != "ext-123" {
		t.Fatalf("expected extensionId ext-123, got %q", extID)
	}
}

func TestAuthenticatorJWTExpired(t *testing.T) {
	a := NewAuthenticator(&Config{JWTSecret: "hmac-secret"})
	tok, err := a.CreateToken("ext-123", -time.Minute)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if _, err := a.Validate(tok); err == nil {
		t.Fatal("expected expired token to fail validation")
	}
}

func TestExtractTokenFromQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/cdp/abc?token=xyz", nil)
	if got := ExtractToken(req); got != "xyz" {
		t.Fatalf("expected xyz, got %q", got)
	}
}

func TestExtractTokenFromAuthorizationHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/recording/status", nil)
	req.Header.Set("Authorization", "Bearer xyz")
	if got := ExtractToken(req); got != "xyz" {
		t.Fatalf("expected xyz, got %q", got)
	}
}

func TestExtractTokenAbsent(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/recording/status", nil)
	if got := ExtractToken(req); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}
