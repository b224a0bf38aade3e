package diagnostics

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func newTestRecorder(t *testing.T) (*Recorder, string) {
	t.Helper()
	path := t.TempDir() + "/diagnostics.db"
	r, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { r.Close(context.Background()) })
	return r, path
}

// openDB reopens the database at path, for assertions made after Close has
// flushed the queue and closed the Recorder's own handle.
func openDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM call_events`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestOpen_EmptyPathIsNoop(t *testing.T) {
	r, err := Open(context.Background(), "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if r != nil {
		t.Fatal("expected nil recorder for empty path")
	}
	r.Record(&Event{Method: "tools/call"})
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close on nil recorder: %v", err)
	}
}

func TestRecorder_RecordPersistsEvent(t *testing.T) {
	r, path := newTestRecorder(t)

	r.Record(&Event{
		RequestID: "1",
		Method:    "tools/call",
		ToolName:  "search",
		Transport: "http",
		Outcome:   OutcomeSuccess,
		Latency:   42 * time.Millisecond,
		Params:    json.RawMessage(`{"query":"hello"}`),
		At:        time.Unix(0, 0),
	})

	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	db := openDB(t, path)
	if countRows(t, db) != 1 {
		t.Fatalf("expected one persisted event, got %d", countRows(t, db))
	}
}

func TestRecorder_RedactsSensitiveParams(t *testing.T) {
	r, path := newTestRecorder(t)

	r.Record(&Event{
		RequestID: "1",
		Method:    "tools/call",
		ToolName:  "login",
		Outcome:   OutcomeSuccess,
		Params:    json.RawMessage(`{"api_key":"shh","query":"hello"}`),
		At:        time.Unix(0, 0),
	})
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	var params string
	if err := openDB(t, path).QueryRow(`SELECT params FROM call_events LIMIT 1`).Scan(&params); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !strings.Contains(params, `"[REDACTED]"`) {
		t.Fatalf("expected api_key redacted, got %s", params)
	}
	if !strings.Contains(params, `"hello"`) {
		t.Fatalf("expected query preserved, got %s", params)
	}
}

func TestRecorder_RecordNeverBlocksWhenQueueFull(t *testing.T) {
	r, _ := newTestRecorder(t)

	done := make(chan struct{})
	go func() {
		for i := 0; i < queueCapacity*2; i++ {
			r.Record(&Event{RequestID: "x", Outcome: OutcomeSuccess, At: time.Unix(0, 0)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked instead of dropping once the queue filled up")
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}
