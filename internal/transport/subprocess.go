package transport

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/revittco/mcpbridge/internal/protocol"
)

// SubprocessTransport spawns a child process and exchanges newline-JSON-RPC
// frames over its stdin/stdout (spec.md §4.3 "Subprocess"). Disconnect
// sends a termination signal, waits a bounded grace period, then kills.
type SubprocessTransport struct {
	command string
	args    []string
	env     []string
	grace   time.Duration

	mu      sync.Mutex
	alive   bool
	cmd     *exec.Cmd
	writer  *protocol.Writer
	pending map[string]chan *protocol.Message
	done    chan struct{}

	notifyCh chan *protocol.Message
	metrics  MetricsSink
}

// NewSubprocessTransport prepares (but does not start) a subprocess
// transport. grace bounds how long Disconnect waits after a termination
// signal before killing the process outright.
func NewSubprocessTransport(command string, args, env []string, grace time.Duration) *SubprocessTransport {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &SubprocessTransport{
		command:  command,
		args:     args,
		env:      env,
		grace:    grace,
		pending:  make(map[string]chan *protocol.Message),
		notifyCh: make(chan *protocol.Message, 64),
	}
}

func (t *SubprocessTransport) Kind() Kind { return KindSubprocess }

func (t *SubprocessTransport) SetMetricsSink(sink MetricsSink) { t.metrics = sink }

func (t *SubprocessTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.alive {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	cmd := exec.Command(t.command, t.args...)
	if len(t.env) > 0 {
		cmd.Env = t.env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.writer = protocol.NewWriter(stdin)
	t.alive = true
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.readLoop(stdout)
	go t.monitor(cmd)

	return nil
}

func (t *SubprocessTransport) readLoop(stdout io.Reader) {
	reader := protocol.NewReader(stdout, 0)
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			return
		}
		t.dispatch(msg)
	}
}

func (t *SubprocessTransport) monitor(cmd *exec.Cmd) {
	_ = cmd.Wait()
	t.mu.Lock()
	t.alive = false
	done := t.done
	t.mu.Unlock()
	if done != nil {
		close(done)
	}
}

func (t *SubprocessTransport) dispatch(msg *protocol.Message) {
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

func (t *SubprocessTransport) IsAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

func (t *SubprocessTransport) Notifications() <-chan *protocol.Message { return t.notifyCh }

func (t *SubprocessTransport) Send(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	t.mu.Lock()
	if !t.alive || t.writer == nil {
		t.mu.Unlock()
		return nil, ErrNotAlive
	}
	writer := t.writer
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
		return nil, &RetryableError{Err: fmt.Errorf("write to subprocess stdin: %w", err)}
	}
	if t.metrics != nil {
		t.metrics.RecordActivity(KindSubprocess, len(msg.Raw), 0, time.Now())
	}

	if !isRequest {
		return nil, nil
	}

	select {
	case reply := <-waitCh:
		return reply, nil
	case <-ctx.Done():
		return nil, &RetryableError{Err: ctx.Err()}
	case <-t.done:
		return nil, &RetryableError{Err: fmt.Errorf("subprocess exited before replying")}
	}
}

func (t *SubprocessTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	cmd := t.cmd
	done := t.done
	alive := t.alive
	t.mu.Unlock()
	if !alive || cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(terminationSignal())

	select {
	case <-done:
	case <-time.After(t.grace):
		_ = cmd.Process.Kill()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}

	t.mu.Lock()
	t.alive = false
	t.mu.Unlock()
	return nil
}
