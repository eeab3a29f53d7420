package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTHooksResolveClaims(t *testing.T) {
	secret := "test-secret"
	mgr := NewJWTManager(secret)

	claims := Claims{
		UserID:   "u1",
		GroupIDs: []string{"g1", "g2"},
		SiteID:   "site-a",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := signToken(t, secret, claims)

	req := httptest.NewRequest(http.MethodGet, "/poll", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	hooks := mgr.Hooks()
	id := hooks.Resolve(req)

	if !id.HasUser || id.UserID != "u1" {
		t.Fatalf("UserID = (%q, %v), want (u1, true)", id.UserID, id.HasUser)
	}
	if len(id.GroupIDs) != 2 || id.GroupIDs[0] != "g1" || id.GroupIDs[1] != "g2" {
		t.Fatalf("GroupIDs = %v, want [g1 g2]", id.GroupIDs)
	}
	if !id.HasSite || id.SiteID != "site-a" {
		t.Fatalf("SiteID = (%q, %v), want (site-a, true)", id.SiteID, id.HasSite)
	}
}

func TestJWTHooksMissingTokenResolvesUnscoped(t *testing.T) {
	mgr := NewJWTManager("test-secret")
	req := httptest.NewRequest(http.MethodGet, "/poll", nil)

	id := mgr.Hooks().Resolve(req)
	if id.HasUser || id.HasSite || id.GroupIDs != nil {
		t.Fatalf("expected fully unscoped identity, got %+v", id)
	}
}

func TestNoopHooksAlwaysUnscoped(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/poll", nil)
	id := NoopHooks().Resolve(req)
	if id.HasUser || id.HasSite || id.GroupIDs != nil {
		t.Fatalf("expected fully unscoped identity, got %+v", id)
	}
}
