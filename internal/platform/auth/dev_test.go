package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestDevAuthenticator_LoopbackOnly(t *testing.T) {
	authn := NewDevAuthenticator(Config{
		DevSubject: "dev-user",
		DevEmail:   "dev@example.test",
		DevRoles:   []string{"admin"},
	})

	req := httptest.NewRequest("GET", "http://example.test/builds", nil)
	req.RemoteAddr = "127.0.0.1:52110"
	identity, err := authn.Authenticate(req.Context(), req)
	if err != nil {
		t.Fatalf("Authenticate() err=%v", err)
	}
	if identity.Subject != "dev-user" {
		t.Fatalf("Subject=%q, want dev-user", identity.Subject)
	}

	req.RemoteAddr = "[::1]:52110"
	if _, err := authn.Authenticate(req.Context(), req); err != nil {
		t.Fatalf("Authenticate() over v6 loopback err=%v", err)
	}

	req.RemoteAddr = "192.0.2.1:1234"
	if _, err := authn.Authenticate(req.Context(), req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Authenticate() from the network err=%v, want ErrUnauthenticated", err)
	}
}
