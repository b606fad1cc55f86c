package jwt

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken("ops", ScopeDiagnostics, "s3cret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := Parse(token, "s3cret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "ops" || claims.Scope != ScopeDiagnostics {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestParseRejectsWrongSecretAndExpiry(t *testing.T) {
	token, err := GenerateToken("ops", ScopeDiagnostics, "s3cret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(token, "other"); err == nil {
		t.Fatalf("expected signature mismatch to fail")
	}
	expired, err := GenerateToken("ops", ScopeDiagnostics, "s3cret", -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(expired, "s3cret"); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestGenerateRequiresSecret(t *testing.T) {
	if _, err := GenerateToken("ops", ScopeDiagnostics, "", time.Minute); !errors.Is(err, ErrSecretRequired) {
		t.Fatalf("expected ErrSecretRequired, got %v", err)
	}
}

func TestVerifyScope(t *testing.T) {
	token, err := GenerateToken("ops", "kv:write "+ScopeDiagnostics, "s3cret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := Verify(token, "s3cret", ScopeDiagnostics)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(claims.Scopes()) != 2 || claims.ID == "" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	narrow, _ := GenerateToken("ops", "kv:write", "s3cret", time.Minute)
	claims, err = Verify(narrow, "s3cret", ScopeDiagnostics)
	if !errors.Is(err, ErrScope) {
		t.Fatalf("expected ErrScope, got %v", err)
	}
	if claims == nil || claims.Subject != "ops" {
		t.Fatalf("expected claims alongside scope error, got %+v", claims)
	}
}

func TestParseRequiresSecret(t *testing.T) {
	if _, err := Parse("anything", ""); !errors.Is(err, ErrSecretRequired) {
		t.Fatalf("expected ErrSecretRequired, got %v", err)
	}
}
