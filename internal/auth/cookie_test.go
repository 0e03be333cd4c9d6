package auth

import (
	"testing"

	"github.com/pliu/supportchat/internal/models"
)

func TestSignAndVerifyCookie(t *testing.T) {
	s := NewSigner("test-secret")

	value, err := s.VerifyCookie(s.SignCookie("hello"))
	if err != nil {
		t.Fatalf("VerifyCookie failed: %v", err)
	}
	if value != "hello" {
		t.Errorf("Expected 'hello', got '%s'", value)
	}

	if _, err := NewSigner("other-secret").VerifyCookie(s.SignCookie("hello")); err == nil {
		t.Error("Expected signature from another secret to be rejected")
	}

	for _, bad := range []string{"", "no-separator", "a|b|c", "!!!|???"} {
		if _, err := s.VerifyCookie(bad); err == nil {
			t.Errorf("Expected %q to be rejected", bad)
		}
	}
}

func TestSignAndVerifyPrincipal(t *testing.T) {
	s := NewSigner("test-secret")
	want := models.Principal{UserID: 42, Role: models.RoleAdmin}

	got, err := s.VerifyPrincipal(s.SignPrincipal(want))
	if err != nil {
		t.Fatalf("VerifyPrincipal failed: %v", err)
	}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}

	if _, err := s.VerifyPrincipal(s.SignCookie("not-a-principal")); err == nil {
		t.Error("Expected malformed principal to be rejected")
	}
	if _, err := s.VerifyPrincipal(s.SignCookie("abc:admin")); err == nil {
		t.Error("Expected non-numeric id to be rejected")
	}
}
