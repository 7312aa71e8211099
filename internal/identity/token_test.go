package identity_test

import (
	"testing"
	"time"

	"github.com/convochain/convochain/internal/identity"
)

func TestIssueVerify_roundTrip(t *testing.T) {
	issuer := identity.NewTokenIssuer([]byte("test-secret"), "http://localhost:8080", time.Hour)

	tok, err := issuer.Issue("alice")
	if err != nil {
		t.Fatal(err)
	}

	claims, err := issuer.Verify(tok)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Operator != "alice" {
		t.Errorf("Operator = %q, want alice", claims.Operator)
	}
	if claims.Subject != "alice" {
		t.Errorf("Subject = %q, want alice", claims.Subject)
	}
}

func TestVerify_rejectsWrongSecret(t *testing.T) {
	a := identity.NewTokenIssuer([]byte("secret-a"), "http://localhost:8080", time.Hour)
	b := identity.NewTokenIssuer([]byte("secret-b"), "http://localhost:8080", time.Hour)

	tok, err := a.Issue("alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Verify(tok); err == nil {
		t.Error("token signed with a different secret was accepted")
	}
}

func TestVerify_rejectsWrongIssuer(t *testing.T) {
	a := identity.NewTokenIssuer([]byte("secret"), "http://a.example", time.Hour)
	b := identity.NewTokenIssuer([]byte("secret"), "http://b.example", time.Hour)

	tok, err := a.Issue("alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Verify(tok); err == nil {
		t.Error("token with a foreign issuer was accepted")
	}
}

func TestVerify_rejectsExpired(t *testing.T) {
	issuer := identity.NewTokenIssuer([]byte("secret"), "http://localhost:8080", -time.Minute)

	tok, err := issuer.Issue("alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := issuer.Verify(tok); err == nil {
		t.Error("expired token was accepted")
	}
}

func TestVerify_rejectsGarbage(t *testing.T) {
	issuer := identity.NewTokenIssuer([]byte("secret"), "http://localhost:8080", time.Hour)
	if _, err := issuer.Verify("not-a-jwt"); err == nil {
		t.Error("garbage token was accepted")
	}
}
