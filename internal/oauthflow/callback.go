package oauthflow

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// maxCallbackPortAttempts bounds the retry when a pinned callback port is
// already in use, per spec.md §4.5's boundary case for a busy port.
const maxCallbackPortAttempts = 5

// callbackResult is what the loopback listener observed on /callback.
type callbackResult struct {
	state string
	code  string
	errID string // OAuth "error" query param, e.g. "access_denied"
}

// callbackServer is the short-lived loopback HTTP listener that receives the
// authorization redirect (spec.md §4.5, "A local loopback HTTP listener
// binds an ephemeral port").
type callbackServer struct {
	ln      net.Listener
	srv     *http.Server
	results chan callbackResult
}

// startCallback binds the loopback listener, preferring preferredPort (0
// means ephemeral) and retrying on adjacent ports if it's already in use.
func startCallback(preferredPort int) (*callbackServer, error) {
	ln, err := listenLoopback(preferredPort)
	if err != nil {
		return nil, err
	}

	c := &callbackServer{ln: ln, results: make(chan callbackResult, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", c.handle)
	c.srv = &http.Server{Handler: mux}

	go func() { _ = c.srv.Serve(ln) }()
	return c, nil
}

func listenLoopback(preferredPort int) (net.Listener, error) {
	if preferredPort == 0 {
		return net.Listen("tcp", "127.0.0.1:0")
	}
	var lastErr error
	for i := 0; i < maxCallbackPortAttempts; i++ {
		addr := fmt.Sprintf("127.0.0.1:%d", preferredPort+i)
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("bind oauth callback listener after %d attempts: %w", maxCallbackPortAttempts, lastErr)
}

func (c *callbackServer) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result := callbackResult{
		state: q.Get("state"),
		code:  q.Get("code"),
		errID: q.Get("error"),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if result.errID != "" {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, callbackPageFailure, result.errID)
	} else {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(callbackPageSuccess))
	}

	select {
	case c.results <- result:
	default:
		// A second hit on /callback (e.g. a browser retry) is dropped; the
		// first one already satisfied Wait.
	}
}

// Port returns the bound loopback port.
func (c *callbackServer) Port() int {
	return c.ln.Addr().(*net.TCPAddr).Port
}

// RedirectURL is the callback URL to register and pass as redirect_uri.
func (c *callbackServer) RedirectURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/callback", c.Port())
}

// errCallbackTimeout is returned by Wait when the user never completes the
// authorization in the browser within the configured timeout.
var errCallbackTimeout = errors.New("oauthflow: timed out waiting for oauth callback")

// Wait blocks for the redirect to land, up to timeout.
func (c *callbackServer) Wait(ctx context.Context, timeout time.Duration) (*callbackResult, error) {
	select {
	case r := <-c.results:
		return &r, nil
	case <-time.After(timeout):
		return nil, errCallbackTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts down the loopback listener.
func (c *callbackServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return c.srv.Shutdown(ctx)
}

const callbackPageSuccess = `<!doctype html><html><head><title>Authorized</title></head>
<body><p>Authorization complete. You can close this window.</p></body></html>`

const callbackPageFailure = `<!doctype html><html><head><title>Authorization failed</title></head>
<body><p>Authorization failed: %s. You can close this window.</p></body></html>`
