package oauthflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/revittco/mcpbridge/internal/oauth"
	"github.com/revittco/mcpbridge/internal/tokenstore"
)

// ErrAuthorizationFailed covers a completed-but-rejected authorization
// (callback carried an "error" param, code exchange failed, or the browser
// flow timed out) — the engine's Failed state (spec.md §4.5).
var ErrAuthorizationFailed = errors.New("oauthflow: authorization failed")

// Engine drives one remote endpoint's OAuth state machine: Anonymous →
// Registering → Authorizing → Exchanging → Authenticated → Refreshing →
// Authenticated | Failed.
type Engine struct {
	cfg        Config
	store      *tokenstore.Store
	discoverer *oauth.Discoverer
	states     *oauth.StateStore

	refreshMu sync.Mutex
}

// NewEngine builds an Engine for cfg.Endpoint, persisting through store and
// discovering (or reusing static) metadata through discoverer.
func NewEngine(cfg Config, store *tokenstore.Store, discoverer *oauth.Discoverer) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:        cfg,
		store:      store,
		discoverer: discoverer,
		states:     oauth.NewStateStore(),
	}
}

// Token returns a valid access token for the endpoint, authenticating or
// refreshing as needed. It is the entry point the strategy engine's
// AuthHandler and the forwarder call on a 401 or missing token.
func (e *Engine) Token(ctx context.Context) (string, error) {
	rec, err := e.store.Load(e.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("load token record: %w", err)
	}
	if rec != nil && !rec.Expired(time.Now(), e.cfg.RefreshSkew) {
		return rec.AccessToken, nil
	}
	if rec != nil && rec.RefreshToken != "" {
		tok, err := e.refresh(ctx, rec)
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, ErrAuthorizationFailed) {
			return "", err
		}
		// Refresh concluded the grant is dead; fall through to interactive auth.
	}
	return e.authenticate(ctx)
}

// refresh exchanges rec's refresh token for a new access token under the
// engine's single in-process refresh mutex (spec.md §4.5, "a single
// in-process mutex ensures only one refresh per endpoint at a time").
func (e *Engine) refresh(ctx context.Context, rec *tokenstore.TokenRecord) (string, error) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	// Someone else may have refreshed while we waited for the mutex.
	if fresh, err := e.store.Load(e.cfg.Endpoint); err == nil && fresh != nil &&
		!fresh.Expired(time.Now(), e.cfg.RefreshSkew) {
		return fresh.AccessToken, nil
	}

	meta, err := e.metadata(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh: resolve metadata: %w", err)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {rec.RefreshToken},
		"client_id":     {rec.ClientID},
	}
	if rec.ClientSecret != "" {
		form.Set("client_secret", rec.ClientSecret)
	}

	tr, status, err := postToken(ctx, meta.TokenEndpoint, form)
	if err != nil {
		if status >= 400 && status < 500 {
			slog.Warn("oauth refresh rejected, re-authorizing", "endpoint", e.cfg.Endpoint, "status", status)
			return "", ErrAuthorizationFailed
		}
		// 5xx or network failure: spec.md §4.5 says retry the original token.
		slog.Warn("oauth refresh failed, reusing existing token", "endpoint", e.cfg.Endpoint, "error", err)
		return rec.AccessToken, nil
	}

	newRec := recordFromResponse(tr, rec.ClientID, rec.ClientSecret, rec.Registration, rec.RefreshToken)
	if err := e.store.Store(e.cfg.Endpoint, newRec); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}
	slog.Info("oauth token refreshed", "endpoint", e.cfg.Endpoint, "access_token", redactToken(newRec.AccessToken))
	return newRec.AccessToken, nil
}

// authenticate runs the full interactive PKCE authorization-code flow,
// coordinating with any other local process already running one for the
// same endpoint (spec.md §4.5, "Multi-instance coordination").
func (e *Engine) authenticate(ctx context.Context) (string, error) {
	cb, err := startCallback(e.cfg.CallbackPort)
	if err != nil {
		return "", fmt.Errorf("start oauth callback listener: %w", err)
	}
	defer func() { _ = cb.Close() }()

	lock, waitingToken, err := e.acquireOrWait(cb.Port())
	if err != nil {
		return "", err
	}
	if waitingToken != nil {
		return waitingToken.AccessToken, nil
	}
	defer func() { _ = lock.Release() }()

	meta, err := e.metadata(ctx)
	if err != nil {
		return "", fmt.Errorf("authenticate: resolve metadata: %w", err)
	}

	clientID, clientSecret, registration, err := e.ensureClient(ctx, meta, cb.RedirectURL())
	if err != nil {
		return "", fmt.Errorf("authenticate: client registration: %w", err)
	}

	verifier, err := oauth.GenerateCodeVerifier()
	if err != nil {
		return "", fmt.Errorf("authenticate: generate pkce verifier: %w", err)
	}
	state, err := e.states.Create(e.cfg.Endpoint, verifier)
	if err != nil {
		return "", fmt.Errorf("authenticate: create state: %w", err)
	}

	authURL, err := e.buildAuthorizeURL(meta, clientID, state, verifier, cb.RedirectURL())
	if err != nil {
		return "", fmt.Errorf("authenticate: build authorize url: %w", err)
	}
	if err := e.cfg.OpenURL(authURL); err != nil {
		slog.Warn("failed to open browser automatically", "error", err, "url", authURL)
	}

	result, err := cb.Wait(ctx, e.cfg.AuthTimeout)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthorizationFailed, err)
	}
	if result.errID != "" {
		return "", fmt.Errorf("%w: provider returned %q", ErrAuthorizationFailed, result.errID)
	}

	entry, ok := e.states.Validate(result.state)
	if !ok {
		return "", fmt.Errorf("%w: invalid or expired state", ErrAuthorizationFailed)
	}
	if entry.Endpoint != e.cfg.Endpoint {
		return "", fmt.Errorf("%w: state endpoint mismatch", ErrAuthorizationFailed)
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {result.code},
		"redirect_uri":  {cb.RedirectURL()},
		"client_id":     {clientID},
		"code_verifier": {entry.CodeVerifier},
	}
	if clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}

	tr, _, err := postToken(ctx, meta.TokenEndpoint, form)
	if err != nil {
		return "", fmt.Errorf("%w: code exchange: %v", ErrAuthorizationFailed, err)
	}

	rec := recordFromResponse(tr, clientID, clientSecret, registration, "")
	if err := e.store.Store(e.cfg.Endpoint, rec); err != nil {
		return "", fmt.Errorf("persist token: %w", err)
	}
	slog.Info("oauth authorization complete", "endpoint", e.cfg.Endpoint, "access_token", redactToken(rec.AccessToken))
	return rec.AccessToken, nil
}

// acquireOrWait takes the per-endpoint lock, or — if another local instance
// already holds a live one — polls for the token it is expected to produce.
// A non-nil *tokenstore.TokenRecord return means a peer finished first and
// the caller should use it directly rather than running its own flow.
func (e *Engine) acquireOrWait(callbackPort int) (*tokenstore.LockHandle, *tokenstore.TokenRecord, error) {
	lock, err := e.store.AcquireLock(e.cfg.Endpoint, callbackPort, e.cfg.AuthTimeout)
	if err == nil {
		return lock, nil, nil
	}

	var busy *tokenstore.Busy
	if !errors.As(err, &busy) {
		return nil, nil, fmt.Errorf("acquire oauth lock: %w", err)
	}

	since := time.Now()
	slog.Info("another process is completing an oauth flow, waiting", "endpoint", e.cfg.Endpoint, "owner_port", busy.OwnerPort)
	fresh, pollErr := e.store.PollForFreshToken(e.cfg.Endpoint, since, e.cfg.LockPollInterval, e.cfg.AuthTimeout)
	if pollErr == nil && fresh != nil {
		return nil, fresh, nil
	}

	// The peer never finished; its lock is now stale by age and the next
	// AcquireLock call reaps it.
	lock, err = e.store.AcquireLock(e.cfg.Endpoint, callbackPort, e.cfg.AuthTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire oauth lock after wait: %w", err)
	}
	return lock, nil, nil
}

// ensureClient returns client credentials for the endpoint: static
// configuration first, then a previously persisted dynamic registration,
// then a fresh RFC 7591 registration (spec.md §4.5, "registration result is
// persisted in the token store").
func (e *Engine) ensureClient(ctx context.Context, meta *oauth.AuthServerMetadata, redirectURL string) (clientID, clientSecret string, registration []byte, err error) {
	if e.cfg.StaticClient.ClientID != "" {
		return e.cfg.StaticClient.ClientID, e.cfg.StaticClient.ClientSecret, nil, nil
	}

	if prior, loadErr := e.store.Load(e.cfg.Endpoint); loadErr == nil && prior != nil && prior.ClientID != "" {
		return prior.ClientID, prior.ClientSecret, prior.Registration, nil
	}

	if meta.RegistrationEndpoint == "" {
		return "", "", nil, fmt.Errorf("no static client configured and server advertises no registration_endpoint")
	}

	dcr, err := oauth.DynamicClientRegister(ctx, meta.RegistrationEndpoint, redirectURL)
	if err != nil {
		return "", "", nil, fmt.Errorf("dynamic client registration: %w", err)
	}
	raw, marshalErr := dcrRegistrationJSON(dcr)
	if marshalErr != nil {
		return dcr.ClientID, "", nil, nil
	}
	return dcr.ClientID, "", raw, nil
}

// metadata resolves the authorization server metadata for the endpoint,
// falling back to operator-supplied static metadata when discovery fails
// (spec.md §4.5, "on absence it falls back to operator-supplied static
// metadata").
func (e *Engine) metadata(ctx context.Context) (*oauth.AuthServerMetadata, error) {
	meta, err := e.discoverer.Discover(ctx, e.cfg.Endpoint)
	if err == nil {
		return meta, nil
	}
	if e.cfg.StaticMetadata != nil {
		return e.cfg.StaticMetadata, nil
	}
	return nil, fmt.Errorf("discover oauth metadata: %w", err)
}

func dcrRegistrationJSON(dcr *oauth.DCRResponse) ([]byte, error) {
	return json.Marshal(dcr)
}

func (e *Engine) buildAuthorizeURL(meta *oauth.AuthServerMetadata, clientID, state, verifier, redirectURL string) (string, error) {
	u, err := url.Parse(meta.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("parse authorization_endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("authorization_endpoint must use http or https")
	}

	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURL)
	q.Set("state", state)
	q.Set("code_challenge", oauth.CodeChallenge(verifier))
	q.Set("code_challenge_method", "S256")
	if len(e.cfg.Scopes) > 0 {
		q.Set("scope", strings.Join(e.cfg.Scopes, " "))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
