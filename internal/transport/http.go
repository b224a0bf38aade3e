package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/revittco/mcpbridge/internal/protocol"
)

// HTTPTransport carries JSON-RPC messages over Streamable HTTP: each request
// is POSTed; a 202 Accepted with an empty body defers the reply to a
// companion GET stream (spec.md §4.3 "HTTP-stream").
type HTTPTransport struct {
	url                string
	client             *http.Client
	allowPlaintextHTTP bool

	mu         sync.Mutex
	alive      bool
	authHeader string
	sessionID  string
	pending    map[string]chan *protocol.Message
	cancelCo   context.CancelFunc

	notifyCh chan *protocol.Message
	metrics  MetricsSink
}

// NewHTTPTransport creates an HTTP-stream transport for endpoint.
func NewHTTPTransport(endpoint string, requestTimeout time.Duration, allowPlaintextHTTP bool) (*HTTPTransport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme == "http" && !allowPlaintextHTTP {
		return nil, ErrPlaintextHTTPRefused
	}
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &HTTPTransport{
		url:                endpoint,
		allowPlaintextHTTP: allowPlaintextHTTP,
		client:             &http.Client{Timeout: requestTimeout},
		pending:            make(map[string]chan *protocol.Message),
		notifyCh:           make(chan *protocol.Message, 64),
	}, nil
}

func (t *HTTPTransport) Kind() Kind { return KindHTTP }

// SetMetricsSink wires an optional activity sink (SPEC_FULL.md §4.3).
func (t *HTTPTransport) SetMetricsSink(sink MetricsSink) { t.metrics = sink }

func (t *HTTPTransport) SetAuthHeader(value string) {
	t.mu.Lock()
	t.authHeader = value
	t.mu.Unlock()
}

func (t *HTTPTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Connect starts the companion GET stream that carries deferred replies and
// server-initiated notifications. The initial POST channel needs no
// separate dial, so this mainly flips the transport to alive.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.alive {
		t.mu.Unlock()
		return nil
	}
	coCtx, cancel := context.WithCancel(context.Background())
	t.cancelCo = cancel
	t.alive = true
	t.mu.Unlock()

	go t.runCompanionStream(coCtx)
	return nil
}

func (t *HTTPTransport) IsAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

func (t *HTTPTransport) Notifications() <-chan *protocol.Message { return t.notifyCh }

func (t *HTTPTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if !t.alive {
		t.mu.Unlock()
		return nil
	}
	t.alive = false
	cancel := t.cancelCo
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Send POSTs msg and returns the correlated reply. For a Request whose
// answer is deferred (202 Accepted, empty body) it waits on the companion
// stream until ctx is done.
func (t *HTTPTransport) Send(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	body := []byte(msg.Raw)

	var waitCh chan *protocol.Message
	var key string
	isRequest := msg.Kind == protocol.KindRequest
	if isRequest {
		key = protocol.CorrelationKey(msg.ID)
		waitCh = make(chan *protocol.Message, 1)
		t.mu.Lock()
		t.pending[key] = waitCh
		t.mu.Unlock()
		defer func() {
			t.mu.Lock()
			delete(t.pending, key)
			t.mu.Unlock()
		}()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.targetURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.mu.Lock()
	if t.authHeader != "" {
		req.Header.Set("Authorization", t.authHeader)
	}
	if t.sessionID != "" {
		req.Header.Set("MCP-Session-Id", t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &RetryableError{Err: fmt.Errorf("http post: %w", err)}
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("MCP-Session-Id"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if t.metrics != nil {
		t.metrics.RecordActivity(KindHTTP, len(body), 0, time.Now())
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrAuthRequired
	}

	if !isRequest {
		// Notifications: 2xx/202 is success, fire-and-forget.
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil, nil
		}
		return nil, classifyStatus(resp)
	}

	if resp.StatusCode == http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		if len(bytes.TrimSpace(respBody)) == 0 {
			// Deferred: wait for the companion stream to deliver it.
			select {
			case reply := <-waitCh:
				return reply, nil
			case <-ctx.Done():
				return nil, &RetryableError{Err: ctx.Err()}
			}
		}
		return decodeBody(respBody)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(resp)
	}

	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/event-stream") {
		return readSSEReply(resp.Body, key)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RetryableError{Err: fmt.Errorf("read response body: %w", err)}
	}
	return decodeBody(respBody)
}

func (t *HTTPTransport) targetURL() string { return t.url }

func classifyStatus(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	se := &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	if resp.StatusCode >= 500 {
		delay := retryAfter(resp)
		return &RetryableError{Err: se, RetryAfter: delay}
	}
	return se
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func decodeBody(body []byte) (*protocol.Message, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	msg, err := protocol.Decode(trimmed)
	if err != nil {
		return nil, &protocol.FrameError{Line: trimmed, Err: err}
	}
	return msg, nil
}

// readSSEReply reads a single text/event-stream response body looking for
// the `data:` line carrying the reply to key (used by servers that answer a
// 200 with an inline SSE body instead of deferring to the companion GET).
func readSSEReply(body io.Reader, key string) (*protocol.Message, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		msg, err := protocol.Decode([]byte(data))
		if err != nil {
			continue
		}
		if msg.Kind == protocol.KindResponse && protocol.CorrelationKey(msg.ID) == key {
			return msg, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &RetryableError{Err: fmt.Errorf("read sse body: %w", err)}
	}
	return nil, fmt.Errorf("transport: no matching reply in sse body")
}

// runCompanionStream keeps a long-lived GET open to receive deferred
// replies (202 Accepted responses) and server-initiated notifications.
func (t *HTTPTransport) runCompanionStream(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := t.streamOnce(ctx); err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

func (t *HTTPTransport) streamOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.targetURL(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	t.mu.Lock()
	if t.authHeader != "" {
		req.Header.Set("Authorization", t.authHeader)
	}
	if t.sessionID != "" {
		req.Header.Set("MCP-Session-Id", t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("companion stream status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		msg, err := protocol.Decode([]byte(data))
		if err != nil {
			continue
		}
		t.dispatch(msg)
	}
	return scanner.Err()
}

func (t *HTTPTransport) dispatch(msg *protocol.Message) {
	if msg.Kind == protocol.KindNotification {
		select {
		case t.notifyCh <- msg:
		default:
		}
		return
	}
	key := protocol.CorrelationKey(msg.ID)
	t.mu.Lock()
	ch, ok := t.pending[key]
	t.mu.Unlock()
	if ok {
		select {
		case ch <- msg:
		default:
		}
	}
}
