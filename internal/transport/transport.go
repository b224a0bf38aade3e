// Package transport carries one JSON-RPC message to a remote MCP server and
// yields its response plus any server-initiated notifications (spec.md
// §4.3). All four variants — HTTP-stream, SSE, subprocess, TCP — share the
// same capability set so the strategy engine in internal/strategy can treat
// them as an interchangeable tagged variant.
package transport

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/revittco/mcpbridge/internal/protocol"
)

// Kind names one of the four transport variants.
type Kind string

const (
	KindHTTP       Kind = "http"
	KindSSE        Kind = "sse"
	KindSubprocess Kind = "subprocess"
	KindTCP        Kind = "tcp"
)

// Transport is the capability set every variant implements (spec.md §4.3).
type Transport interface {
	// Connect establishes the underlying connection (HTTP companion GET
	// stream, SSE stream, subprocess spawn, or TCP dial). Calling Connect on an
	// already-connected transport is a no-op.
	Connect(ctx context.Context) error

	// Send carries one outbound message. For a Request it blocks until the
	// correlated Response arrives (or ctx is done) and returns it. For a
	// Notification it returns (nil, nil) once the message is handed off,
	// with no further waiting.
	Send(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)

	// Notifications yields server-initiated messages with no correlated
	// local request, in arrival order. No variant closes the channel, not
	// even on Disconnect.
	Notifications() <-chan *protocol.Message

	// Disconnect tears the transport down, best-effort within ctx.
	Disconnect(ctx context.Context) error

	// IsAlive reports whether the transport believes its connection is
	// usable without a fresh Connect call.
	IsAlive() bool

	// Kind identifies the variant for sticky-transport bookkeeping and
	// diagnostics.
	Kind() Kind
}

// HeaderSetter is implemented by transports that carry bearer credentials
// (HTTP, SSE). The auth handler built by config.BuildEngine calls
// SetAuthHeader with a bearer token on the transport that reported a 401;
// transports without a notion of headers
// (subprocess, TCP) do not implement it.
type HeaderSetter interface {
	SetAuthHeader(value string)
}

// SessionIDAware is implemented by transports that track a server-issued
// MCP-Session-Id (spec.md §3, §8 P3).
type SessionIDAware interface {
	SessionID() string
}

// MetricsSink receives coarse, observational transport activity reports
// (SPEC_FULL.md §4.3). It never influences transport-strategy decisions.
type MetricsSink interface {
	RecordActivity(kind Kind, sentBytes, recvBytes int, at time.Time)
}

// ErrAuthRequired signals a 401 (or equivalent) response: the caller should
// drive the OAuth engine and retry once per spec.md §4.4.
var ErrAuthRequired = errors.New("transport: remote requires authentication")

// ErrNotAlive is returned by Send when called on a transport that was never
// connected, or whose connection was lost and has not been reconnected.
var ErrNotAlive = errors.New("transport: not connected")

// ErrPlaintextHTTPRefused is returned when an http:// URL is supplied and
// allow_plaintext_http is not set (spec.md §4.4).
var ErrPlaintextHTTPRefused = errors.New("transport: plaintext http:// refused (set allow_plaintext_http to override)")

// RetryableError marks a failure the strategy engine should retry under its
// backoff policy: network errors, 5xx responses, request timeouts, or a
// clean disconnect before a reply arrived (spec.md §4.4).
type RetryableError struct {
	Err        error
	RetryAfter time.Duration // zero if the remote did not suggest one
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// StatusError carries an HTTP status code from a non-2xx response that was
// not a 401. Codes 5xx are wrapped in RetryableError by the caller; 4xx
// surface as plain StatusError, which the strategy treats as non-retryable.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := "transport: remote returned HTTP " + strconv.Itoa(e.StatusCode)
	if e.Body == "" {
		return msg
	}
	return msg + ": " + e.Body
}
