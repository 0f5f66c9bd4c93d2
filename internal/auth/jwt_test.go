package auth

import (
	"testing"
	"time"
)

func TestCreateAndVerifyToken(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateToken("user-1", "u1@example.com", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	claims, err := VerifyToken(tok, cfg)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("expected user-1, got %q", claims.UserID)
	}
	if claims.Email != "u1@example.com" {
		t.Fatalf("expected email claim, got %q", claims.Email)
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateToken("user-1", "", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	_, err = VerifyToken(tok, TokenConfig{Secret: "wrong", Expiry: time.Hour, Issuer: "test"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: -time.Second, Issuer: "test"}
	_, err := CreateToken("user-1", "", cfg)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestSessionAndProxyConfigsAreDistinct(t *testing.T) {
	session := SessionTokenConfig("cookie-secret")
	proxy := ProxyTokenConfig("proxy-secret")

	tok, err := CreateToken("user-1", "", proxy)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if _, err := VerifyToken(tok, session); err == nil {
		t.Fatal("proxy token must not verify against the cookie secret")
	}
	if _, err := VerifyToken(tok, proxy); err != nil {
		t.Fatalf("proxy token should verify against its own secret: %v", err)
	}
}

func TestHashTokenStable(t *testing.T) {
	a := HashToken("tok")
	b := HashToken("tok")
	if a != b {
		t.Fatal("hash must be deterministic")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if HashToken("other") == a {
		t.Fatal("different tokens must hash differently")
	}
}
