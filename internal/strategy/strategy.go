// Package strategy selects, attempts, and falls back between remote
// transports with retries, timeouts, and per-session sticky-transport
// affinity (spec.md §4.4).
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/revittco/mcpbridge/internal/protocol"
	"github.com/revittco/mcpbridge/internal/transport"
)

// Config is the strategy's enumerated configuration (spec.md §4.4).
type Config struct {
	Primary            transport.Kind
	Fallbacks          []transport.Kind
	ConnectTimeout     time.Duration
	RequestTimeout     time.Duration
	RetryAttempts      int
	RetryBaseDelay     time.Duration
	RetryJitter        float64
	AllowPlaintextHTTP bool
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 30 * time.Second,
		RequestTimeout: 30 * time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: time.Second,
		RetryJitter:    0.5,
	}
}

// AuthHandler drives the OAuth engine when a transport reports 401. It
// returns nil once the caller should retry the same transport once more.
type AuthHandler func(ctx context.Context, kind transport.Kind) error

// ErrExhausted is returned when every transport in the effective order has
// failed with a retryable error and attempts are exhausted.
var ErrExhausted = errors.New("strategy: all transports exhausted")

// StickyState holds the sticky-transport choice for one session (spec.md
// §3, §4.4: "Sticky-transport choice is per session, not global"). The zero
// value has no sticky transport.
type StickyState struct {
	mu      sync.Mutex
	current transport.Kind
	has     bool
}

func (s *StickyState) get() (transport.Kind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.has
}

func (s *StickyState) set(k transport.Kind) {
	s.mu.Lock()
	s.current = k
	s.has = true
	s.mu.Unlock()
}

// Clear drops the sticky transport, e.g. on session teardown.
func (s *StickyState) Clear() {
	s.mu.Lock()
	s.has = false
	s.mu.Unlock()
}

// Engine walks the configured transport order for each outbound message,
// applying the retry/fallback/auth rules of spec.md §4.4.
type Engine struct {
	cfg        Config
	order      []transport.Kind
	transports map[transport.Kind]transport.Transport
	onAuth     AuthHandler
	rng        *rand.Rand
	rngMu      sync.Mutex
}

// NewEngine builds an Engine over the given transports, keyed by kind. Every
// kind named in cfg.Primary/cfg.Fallbacks must have an entry in transports.
func NewEngine(cfg Config, transports map[transport.Kind]transport.Transport, onAuth AuthHandler) (*Engine, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}

	order := append([]transport.Kind{cfg.Primary}, cfg.Fallbacks...)
	for _, k := range order {
		if _, ok := transports[k]; !ok {
			return nil, fmt.Errorf("strategy: no transport registered for kind %q", k)
		}
	}

	return &Engine{
		cfg:        cfg,
		order:      order,
		transports: transports,
		onAuth:     onAuth,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Execute sends msg, walking the effective transport order (sticky
// transport first, if any) and applying retry/fallback/auth classification.
// It returns the reply (nil for notifications) and the transport kind that
// ultimately carried it.
func (e *Engine) Execute(ctx context.Context, sticky *StickyState, msg *protocol.Message) (*protocol.Message, transport.Kind, error) {
	order := e.effectiveOrder(sticky)

	var lastErr error
	for _, kind := range order {
		reply, err := e.attemptTransport(ctx, kind, msg)
		if err == nil {
			if sticky != nil {
				sticky.set(kind)
			}
			return reply, kind, nil
		}

		outcome := classify(err)
		switch outcome {
		case outcomeNonRetryable:
			return nil, kind, err
		case outcomeAuthFailed:
			return nil, kind, err
		default: // retryable, exhausted after retries on this transport
			lastErr = err
			continue
		}
	}

	if lastErr == nil {
		lastErr = ErrExhausted
	}
	return nil, "", fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

func (e *Engine) effectiveOrder(sticky *StickyState) []transport.Kind {
	if sticky == nil {
		return e.order
	}
	current, ok := sticky.get()
	if !ok {
		return e.order
	}
	reordered := make([]transport.Kind, 0, len(e.order))
	reordered = append(reordered, current)
	for _, k := range e.order {
		if k != current {
			reordered = append(reordered, k)
		}
	}
	return reordered
}

// attemptTransport drives one transport through connect, send, and the
// retry-with-backoff loop, plus a single auth-triggered retry on 401.
func (e *Engine) attemptTransport(ctx context.Context, kind transport.Kind, msg *protocol.Message) (*protocol.Message, error) {
	tr := e.transports[kind]

	authRetried := false
	attempt := 0
	for {
		reply, err := e.tryOnce(ctx, tr, msg)
		if err == nil {
			return reply, nil
		}

		if errors.Is(err, transport.ErrAuthRequired) {
			if authRetried || e.onAuth == nil {
				return nil, &authFailedError{kind: kind, err: err}
			}
			if authErr := e.onAuth(ctx, kind); authErr != nil {
				return nil, &authFailedError{kind: kind, err: authErr}
			}
			authRetried = true
			continue // retry once, does not count against retry_attempts
		}

		var re *transport.RetryableError
		if !errors.As(err, &re) {
			return nil, &nonRetryableError{kind: kind, err: err}
		}

		if attempt+1 >= e.cfg.RetryAttempts {
			return nil, err // exhausted: caller advances to next transport
		}

		delay := e.backoff(re, attempt)
		attempt++
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &transport.RetryableError{Err: ctx.Err()}
		}
	}
}

func (e *Engine) tryOnce(ctx context.Context, tr transport.Transport, msg *protocol.Message) (*protocol.Message, error) {
	if !tr.IsAlive() {
		connectCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
		defer cancel()
		if err := tr.Connect(connectCtx); err != nil {
			var re *transport.RetryableError
			if errors.As(err, &re) {
				return nil, err
			}
			return nil, &transport.RetryableError{Err: err}
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	return tr.Send(sendCtx, msg)
}

func (e *Engine) backoff(re *transport.RetryableError, attempt int) time.Duration {
	if re != nil && re.RetryAfter > 0 {
		return re.RetryAfter
	}
	base := float64(e.cfg.RetryBaseDelay) * float64(int64(1)<<uint(attempt))
	jitter := 0.0
	if e.cfg.RetryJitter > 0 {
		e.rngMu.Lock()
		jitter = e.rng.Float64() * e.cfg.RetryJitter
		e.rngMu.Unlock()
	}
	return time.Duration(base * (1 + jitter))
}

type outcome int

const (
	outcomeRetryable outcome = iota
	outcomeNonRetryable
	outcomeAuthFailed
)

// nonRetryableError and authFailedError tag a terminal per-attempt failure
// so Execute can decide whether to stop walking the transport order.
type nonRetryableError struct {
	kind transport.Kind
	err  error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

type authFailedError struct {
	kind transport.Kind
	err  error
}

func (e *authFailedError) Error() string { return e.err.Error() }
func (e *authFailedError) Unwrap() error { return e.err }

func classify(err error) outcome {
	var nre *nonRetryableError
	if errors.As(err, &nre) {
		return outcomeNonRetryable
	}
	var afe *authFailedError
	if errors.As(err, &afe) {
		return outcomeAuthFailed
	}
	return outcomeRetryable
}
