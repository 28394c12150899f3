package dbclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidateTokenReturnsIdentityOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("expected bearer token forwarded, got %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(map[string]string{"userId": "u1", "sessionId": "s1"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	identity, err := c.ValidateToken(t.Context(), "tok-1")
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if identity == nil || identity.UserID != "u1" || identity.SessionID != "s1" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestValidateTokenReturnsNilOnUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	identity, err := c.ValidateToken(t.Context(), "bad-token")
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if identity != nil {
		t.Fatalf("expected nil identity, got %+v", identity)
	}
}

func TestUpsertStatusSwallowsExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	err := c.UpsertStatus(t.Context(), StatusUpdate{SessionID: "s1", Status: "running"})
	if err != nil {
		t.Fatalf("UpsertStatus must swallow exhausted retries, got %v", err)
	}
}

func TestFetchProviderAPIKeyReturnsEmptyOnNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	key, err := c.FetchProviderAPIKey(t.Context(), "tok-1", "anthropic")
	if err != nil {
		t.Fatalf("FetchProviderAPIKey: %v", err)
	}
	if key != "" {
		t.Fatalf("expected empty key, got %q", key)
	}
}
