package oauthflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/revittco/mcpbridge/internal/oauth"
	"github.com/revittco/mcpbridge/internal/tokenstore"
)

func newTestServer(t *testing.T, tokenHandler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		meta := oauth.AuthServerMetadata{
			Issuer:                srv.URL,
			AuthorizationEndpoint: srv.URL + "/authorize",
			TokenEndpoint:         srv.URL + "/token",
		}
		_ = json.NewEncoder(w).Encode(meta)
	})
	mux.HandleFunc("/token", tokenHandler)
	return srv
}

// autoApproveOpener simulates the user's browser completing the
// authorization redirect: it parses the authorize URL's redirect_uri and
// state and immediately GETs the callback with a canned code.
func autoApproveOpener(t *testing.T) func(string) error {
	t.Helper()
	return func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		redirect := u.Query().Get("redirect_uri")
		state := u.Query().Get("state")
		go func() {
			_, _ = http.Get(fmt.Sprintf("%s?code=test-auth-code&state=%s", redirect, state))
		}()
		return nil
	}
}

func newTestEngine(t *testing.T, srv *httptest.Server, opener func(string) error) *Engine {
	t.Helper()
	store, err := tokenstore.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	cfg := DefaultConfig(srv.URL)
	cfg.StaticClient = StaticClient{ClientID: "test-client"}
	cfg.OpenURL = opener
	cfg.AuthTimeout = 2 * time.Second
	return NewEngine(cfg, store, oauth.NewDiscoverer())
}

func TestEngine_Authenticate_FullFlow(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.FormValue("grant_type"); got != "authorization_code" {
			t.Fatalf("unexpected grant_type: %s", got)
		}
		if r.FormValue("code_verifier") == "" {
			t.Fatal("expected code_verifier in exchange request")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	defer srv.Close()

	eng := newTestEngine(t, srv, autoApproveOpener(t))
	tok, err := eng.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "access-1" {
		t.Fatalf("unexpected token: %s", tok)
	}

	rec, err := eng.store.Load(srv.URL)
	if err != nil || rec == nil {
		t.Fatalf("expected token record persisted, load err=%v rec=%v", err, rec)
	}
	if rec.RefreshToken != "refresh-1" {
		t.Fatalf("unexpected refresh token: %s", rec.RefreshToken)
	}
}

func TestEngine_Token_ReusesUnexpiredRecord(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("token endpoint should not be hit for a still-valid token")
	})
	defer srv.Close()

	eng := newTestEngine(t, srv, autoApproveOpener(t))
	if err := eng.store.Store(srv.URL, &tokenstore.TokenRecord{
		AccessToken: "still-valid",
		ExpiresAt:   time.Now().Add(time.Hour),
		ClientID:    "test-client",
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	tok, err := eng.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "still-valid" {
		t.Fatalf("expected cached token, got %s", tok)
	}
}

func TestEngine_Token_RefreshesNearExpiry(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.FormValue("grant_type"); got != "refresh_token" {
			t.Fatalf("unexpected grant_type: %s", got)
		}
		if got := r.FormValue("refresh_token"); got != "old-refresh" {
			t.Fatalf("unexpected refresh_token: %s", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-2",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	defer srv.Close()

	eng := newTestEngine(t, srv, autoApproveOpener(t))
	if err := eng.store.Store(srv.URL, &tokenstore.TokenRecord{
		AccessToken:  "about-to-expire",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(time.Second),
		ClientID:     "test-client",
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	tok, err := eng.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "access-2" {
		t.Fatalf("unexpected refreshed token: %s", tok)
	}

	rec, err := eng.store.Load(srv.URL)
	if err != nil || rec == nil {
		t.Fatalf("expected refreshed record persisted, err=%v", err)
	}
	if rec.RefreshToken != "old-refresh" {
		t.Fatalf("expected refresh token carried forward, got %s", rec.RefreshToken)
	}
}

func TestEngine_Token_RefreshRejectionReauthorizes(t *testing.T) {
	calls := 0
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		calls++
		if r.FormValue("grant_type") == "refresh_token" {
			http.Error(w, "invalid_grant", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-reauth",
			"refresh_token": "refresh-reauth",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	defer srv.Close()

	eng := newTestEngine(t, srv, autoApproveOpener(t))
	if err := eng.store.Store(srv.URL, &tokenstore.TokenRecord{
		AccessToken:  "stale",
		RefreshToken: "dead-refresh",
		ExpiresAt:    time.Now().Add(time.Second),
		ClientID:     "test-client",
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	tok, err := eng.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "access-reauth" {
		t.Fatalf("unexpected token after re-authorization: %s", tok)
	}
	if calls < 2 {
		t.Fatalf("expected a refresh attempt followed by a full re-authorization, got %d calls", calls)
	}
}

func TestEngine_Authenticate_CallbackErrorFails(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("token endpoint should not be reached when authorization is denied")
	})
	defer srv.Close()

	deny := func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		redirect := u.Query().Get("redirect_uri")
		go func() {
			_, _ = http.Get(redirect + "?error=access_denied")
		}()
		return nil
	}

	eng := newTestEngine(t, srv, deny)
	_, err := eng.Token(context.Background())
	if err == nil {
		t.Fatal("expected authorization failure")
	}
}
