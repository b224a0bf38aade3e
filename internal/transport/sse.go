package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/revittco/mcpbridge/internal/protocol"
)

// SSETransport opens a long-lived GET as a text/event-stream and posts
// outbound requests to a companion POST endpoint, matching spec.md §4.3
// "SSE". Reconnects resume with Last-Event-ID when the server supplies ids.
type SSETransport struct {
	streamURL string
	postURL   string
	client    *http.Client

	mu         sync.Mutex
	alive      bool
	authHeader string
	lastEvent  string
	pending    map[string]chan *protocol.Message
	cancel     context.CancelFunc
	connErr    chan error

	notifyCh chan *protocol.Message
	metrics  MetricsSink
}

// NewSSETransport creates an SSE transport. postEndpoint is the URL outbound
// requests are POSTed to; if empty it defaults to streamEndpoint.
func NewSSETransport(streamEndpoint, postEndpoint string, allowPlaintextHTTP bool) (*SSETransport, error) {
	u, err := url.Parse(streamEndpoint)
	if err != nil {
		return nil, fmt.Errorf("parse stream endpoint: %w", err)
	}
	if u.Scheme == "http" && !allowPlaintextHTTP {
		return nil, ErrPlaintextHTTPRefused
	}
	if postEndpoint == "" {
		postEndpoint = streamEndpoint
	}
	return &SSETransport{
		streamURL: streamEndpoint,
		postURL:   postEndpoint,
		client:    &http.Client{},
		pending:   make(map[string]chan *protocol.Message),
		notifyCh:  make(chan *protocol.Message, 64),
	}, nil
}

func (t *SSETransport) Kind() Kind { return KindSSE }

func (t *SSETransport) SetMetricsSink(sink MetricsSink) { t.metrics = sink }

func (t *SSETransport) SetAuthHeader(value string) {
	t.mu.Lock()
	t.authHeader = value
	t.mu.Unlock()
}

func (t *SSETransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.alive {
		t.mu.Unlock()
		return nil
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.connErr = make(chan error, 1)
	t.mu.Unlock()

	go t.runStream(streamCtx)

	// Give the initial connection attempt a chance to fail fast (e.g. DNS,
	// connection refused) within the caller's connect_timeout.
	select {
	case err := <-t.connErr:
		if err != nil {
			t.mu.Lock()
			t.alive = false
			t.mu.Unlock()
			return &RetryableError{Err: err}
		}
	case <-time.After(200 * time.Millisecond):
		// Stream is still establishing; treat as connected and let
		// reconnect-on-failure handle any later error.
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}

	t.mu.Lock()
	t.alive = true
	t.mu.Unlock()
	return nil
}

func (t *SSETransport) IsAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

func (t *SSETransport) Notifications() <-chan *protocol.Message { return t.notifyCh }

func (t *SSETransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if !t.alive {
		t.mu.Unlock()
		return nil
	}
	t.alive = false
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (t *SSETransport) Send(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if !t.IsAlive() {
		return nil, ErrNotAlive
	}

	body := []byte(msg.Raw)
	isRequest := msg.Kind == protocol.KindRequest

	var waitCh chan *protocol.Message
	var key string
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

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.postURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	t.mu.Lock()
	if t.authHeader != "" {
		req.Header.Set("Authorization", t.authHeader)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &RetryableError{Err: fmt.Errorf("post request: %w", err)}
	}
	resp.Body.Close()

	if t.metrics != nil {
		t.metrics.RecordActivity(KindSSE, len(body), 0, time.Now())
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrAuthRequired
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{StatusCode: resp.StatusCode}
		if resp.StatusCode >= 500 {
			return nil, &RetryableError{Err: se}
		}
		return nil, se
	}

	if !isRequest {
		return nil, nil
	}

	select {
	case reply := <-waitCh:
		return reply, nil
	case <-ctx.Done():
		return nil, &RetryableError{Err: ctx.Err()}
	}
}

func (t *SSETransport) runStream(ctx context.Context) {
	first := true
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		err := t.streamOnce(ctx)
		if first {
			select {
			case t.connErr <- err:
			default:
			}
			first = false
		}
		if err == nil {
			backoff = time.Second
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (t *SSETransport) streamOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.streamURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	t.mu.Lock()
	if t.authHeader != "" {
		req.Header.Set("Authorization", t.authHeader)
	}
	if t.lastEvent != "" {
		req.Header.Set("Last-Event-ID", t.lastEvent)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sse stream status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var eventID, data string
	flush := func() {
		if data == "" {
			return
		}
		if eventID != "" {
			t.mu.Lock()
			t.lastEvent = eventID
			t.mu.Unlock()
		}
		msg, err := protocol.Decode([]byte(data))
		if err == nil {
			t.dispatch(msg)
		}
		eventID, data = "", ""
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "id:"):
			eventID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	flush()
	return scanner.Err()
}

func (t *SSETransport) dispatch(msg *protocol.Message) {
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
