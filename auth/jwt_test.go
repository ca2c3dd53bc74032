package auth

import "testing"

func TestValidateRoundTrip(t *testing.T) {
	v, err := NewVerifier("a-strong-test-secret-that-is-long-enough")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	token, err := v.GenerateAccessToken("u1", "u1@example.com", "operator")
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	p, err := v.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.UserID != "u1" || p.Role != "operator" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestValidateRejectsRefreshTokenAsAccess(t *testing.T) {
	v, _ := NewVerifier("a-strong-test-secret-that-is-long-enough")
	refresh, err := v.GenerateRefreshToken("u1", "u1@example.com", "operator")
	if err != nil {
		t.Fatalf("GenerateRefreshToken: %v", err)
	}
	if _, err := v.Validate(refresh); err == nil {
		t.Fatal("expected Validate to reject a refresh token")
	}
}

func TestRefreshMintsNewAccessToken(t *testing.T) {
	v, _ := NewVerifier("a-strong-test-secret-that-is-long-enough")
	refresh, _ := v.GenerateRefreshToken("u1", "u1@example.com", "operator")
	access, expiresIn, err := v.Refresh(refresh)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if expiresIn <= 0 {
		t.Fatalf("expected positive expiresIn, got %d", expiresIn)
	}
	if _, err := v.Validate(access); err != nil {
		t.Fatalf("Validate(refreshed access): %v", err)
	}
}

func TestNewVerifierRejectsWeakSecret(t *testing.T) {
	if _, err := NewVerifier("too-short"); err == nil {
		t.Fatal("expected error for weak secret")
	}
}
