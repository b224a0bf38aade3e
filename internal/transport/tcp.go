package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/revittco/mcpbridge/internal/protocol"
)

// TCPTransport opens a raw TCP connection and exchanges newline-JSON-RPC
// frames (spec.md §4.3 "TCP"). Reconnection on loss is the strategy
// engine's job, not this transport's — Send simply fails once the
// connection drops, and a fresh Connect is required.
type TCPTransport struct {
	addr string

	mu      sync.Mutex
	alive   bool
	conn    net.Conn
	writer  *protocol.Writer
	pending map[string]chan *protocol.Message
	closed  chan struct{}

	notifyCh chan *protocol.Message
	metrics  MetricsSink
}

// NewTCPTransport prepares a TCP transport dialing addr ("host:port").
func NewTCPTransport(addr string) *TCPTransport {
	return &TCPTransport{
		addr:     addr,
		pending:  make(map[string]chan *protocol.Message),
		notifyCh: make(chan *protocol.Message, 64),
	}
}

func (t *TCPTransport) Kind() Kind { return KindTCP }

func (t *TCPTransport) SetMetricsSink(sink MetricsSink) { t.metrics = sink }

func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.alive {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return &RetryableError{Err: fmt.Errorf("dial %s: %w", t.addr, err)}
	}

	t.mu.Lock()
	t.conn = conn
	t.writer = protocol.NewWriter(conn)
	t.alive = true
	t.closed = make(chan struct{})
	t.mu.Unlock()

	go t.readLoop(conn)
	return nil
}

func (t *TCPTransport) readLoop(conn net.Conn) {
	reader := protocol.NewReader(conn, 0)
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			break
		}
		t.dispatch(msg)
	}
	t.mu.Lock()
	t.alive = false
	closed := t.closed
	t.mu.Unlock()
	if closed != nil {
		close(closed)
	}
}

func (t *TCPTransport) dispatch(msg *protocol.Message) {
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

func (t *TCPTransport) IsAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

func (t *TCPTransport) Notifications() <-chan *protocol.Message { return t.notifyCh }

func (t *TCPTransport) Send(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	t.mu.Lock()
	if !t.alive || t.writer == nil {
		t.mu.Unlock()
		return nil, ErrNotAlive
	}
	writer := t.writer
	closed := t.closed
	isRequest := msg.Kind == protocol.KindRequest
	var waitCh chan *protocol.Message
	var key string
	if isRequest {
		key = protocol.CorrelationKey(msg.ID)
		waitCh = make(chan *protocol.Message, 1)
		t.pending[key] = waitCh
	}
	t.mu.Unlock()

	if isRequest {
		defer func() {
			t.mu.Lock()
			delete(t.pending, key)
			t.mu.Unlock()
		}()
	}

	if err := writer.WriteMessage([]byte(msg.Raw)); err != nil {
		return nil, &RetryableError{Err: fmt.Errorf("write to tcp connection: %w", err)}
	}
	if t.metrics != nil {
		t.metrics.RecordActivity(KindTCP, len(msg.Raw), 0, time.Now())
	}

	if !isRequest {
		return nil, nil
	}

	select {
	case reply := <-waitCh:
		return reply, nil
	case <-ctx.Done():
		return nil, &RetryableError{Err: ctx.Err()}
	case <-closed:
		return nil, &RetryableError{Err: fmt.Errorf("tcp connection closed before reply")}
	}
}

func (t *TCPTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	alive := t.alive
	t.alive = false
	t.mu.Unlock()
	if !alive || conn == nil {
		return nil
	}
	return conn.Close()
}
