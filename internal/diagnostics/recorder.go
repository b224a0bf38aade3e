// Package diagnostics records per-call outcomes (method, tool name,
// transport used, result, latency) to a local SQLite database for
// offline inspection. Recording is best-effort: a full queue drops new
// events rather than blocking the forwarding path, mirroring the
// teacher's in-process event bus.
package diagnostics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Outcome classifies how a forwarded call ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// queueCapacity bounds how many unwritten events the recorder holds before
// it starts dropping new ones.
const queueCapacity = 256

// Event is one recorded call outcome.
type Event struct {
	ID        string
	RequestID string
	Method    string
	ToolName  string
	Transport string
	Outcome   Outcome
	Latency   time.Duration
	Params    json.RawMessage
	At        time.Time
}

// Recorder writes Events to a SQLite database from a single background
// goroutine. A nil *Recorder is valid and Record/Close on it are no-ops,
// so callers can wire it unconditionally when no database path is
// configured.
type Recorder struct {
	db     *sql.DB
	events chan *Event
	done   chan struct{}
	wg     sync.WaitGroup

	dropOnce  sync.Once
	closeOnce sync.Once
}

// Open opens (creating if needed) the SQLite database at path and starts
// the writer goroutine. An empty path yields a nil Recorder.
func Open(ctx context.Context, path string) (*Recorder, error) {
	if path == "" {
		return nil, nil
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	r := &Recorder{
		db:     db,
		events: make(chan *Event, queueCapacity),
		done:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r, nil
}

// Record enqueues an event for persistence without blocking. If the queue
// is full the event is dropped and a single warning is logged.
func (r *Recorder) Record(e *Event) {
	if r == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Params = redact(e.Params)
	select {
	case r.events <- e:
	default:
		r.dropOnce.Do(func() {
			slog.Warn("diagnostics queue full, dropping call events")
		})
	}
}

// Close stops accepting new events, flushes the queue, and closes the
// database. Calling it more than once is safe.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.closeOnce.Do(func() { close(r.events) })
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return r.db.Close()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for e := range r.events {
		if err := r.insert(e); err != nil {
			slog.Error("failed to persist call event", "error", err)
		}
	}
}

func (r *Recorder) insert(e *Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO call_events
			(id, request_id, method, tool_name, transport, outcome, latency_ms, params, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RequestID, e.Method, e.ToolName, e.Transport, string(e.Outcome),
		e.Latency.Milliseconds(), string(e.Params), e.At.UTC().Format(time.RFC3339Nano),
	)
	return err
}
