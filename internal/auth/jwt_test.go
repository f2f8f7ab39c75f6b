package auth

import (
	"strings"
	"testing"
	"time"
)

func testTokenConfig() TokenConfig {
	return TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
}

func TestCreateAndVerifyToken(t *testing.T) {
	cfg := testTokenConfig()
	tok, err := CreateToken(TokenRequest{Subject: "user-1", Audience: AudienceUser, Scopes: []string{ScopeFull}, DeviceID: "phone"}, cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	claims, err := VerifyToken(tok, AudienceUser, cfg)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("expected user-1, got %q", claims.Subject)
	}
	if !claims.HasScope(ScopeFull) {
		t.Fatalf("expected full scope, got %q", claims.Scope)
	}
	if claims.DeviceID != "phone" {
		t.Fatalf("expected device id, got %q", claims.DeviceID)
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	tok, err := CreateToken(TokenRequest{Subject: "user-1", Audience: AudienceUser}, testTokenConfig())
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	_, err = VerifyToken(tok, AudienceUser, TokenConfig{Secret: "wrong", Expiry: time.Hour, Issuer: "test"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestVerifyToken_WrongAudience(t *testing.T) {
	cfg := testTokenConfig()
	tok, err := CreateToken(TokenRequest{Subject: "inst-1", Audience: AudienceInstance}, cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if _, err := VerifyToken(tok, AudienceUser, cfg); err == nil {
		t.Fatalf("expected instance token to be rejected for user audience")
	}
}

func TestVerifyToken_WrongIssuer(t *testing.T) {
	tok, err := CreateToken(TokenRequest{Subject: "user-1", Audience: AudienceUser}, testTokenConfig())
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	other := testTokenConfig()
	other.Issuer = "someone-else"
	if _, err := VerifyToken(tok, AudienceUser, other); err == nil {
		t.Fatalf("expected issuer mismatch")
	}
}

func TestCreateToken_InvalidExpiry(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: -time.Second, Issuer: "test"}
	_, err := CreateToken(TokenRequest{Subject: "user-1", Audience: AudienceUser}, cfg)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestVerifyToken_Garbage(t *testing.T) {
	_, err := VerifyToken("not.a.token", AudienceUser, testTokenConfig())
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestHashAPIKey(t *testing.T) {
	key, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if !strings.HasPrefix(key, apiKeyPrefix) {
		t.Fatalf("unexpected key format %q", key)
	}
	h1, h2 := HashAPIKey(key), HashAPIKey(key)
	if h1 != h2 || len(h1) != 64 {
		t.Fatalf("expected stable 32-byte hex digest, got %q / %q", h1, h2)
	}
	if HashAPIKey(key+"x") == h1 {
		t.Fatalf("expected different digest for different key")
	}
}
