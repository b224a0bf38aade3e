package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/revittco/mcpbridge/internal/protocol"
)

func TestHTTPTransport_ImmediateJSONReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("MCP-Session-Id", "s-42")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(srv.URL, 5*time.Second, true)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	ctx := context.Background()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect(ctx)

	msg, err := protocol.Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	reply, err := tr.Send(ctx, msg)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply == nil || string(reply.ID) != "1" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if tr.SessionID() != "s-42" {
		t.Fatalf("expected session id to be captured, got %q", tr.SessionID())
	}
}

func TestHTTPTransport_401SurfacesAuthRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(srv.URL, 5*time.Second, true)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	ctx := context.Background()
	_ = tr.Connect(ctx)
	defer tr.Disconnect(ctx)

	msg, _ := protocol.Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	_, err = tr.Send(ctx, msg)
	if err != ErrAuthRequired {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
}

func TestHTTPTransport_5xxIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(srv.URL, 5*time.Second, true)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	ctx := context.Background()
	_ = tr.Connect(ctx)
	defer tr.Disconnect(ctx)

	msg, _ := protocol.Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	_, err = tr.Send(ctx, msg)
	var re *RetryableError
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.As(err, &re) {
		t.Fatalf("expected *RetryableError, got %T: %v", err, err)
	}
}

func TestHTTPTransport_4xxIsNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(srv.URL, 5*time.Second, true)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	ctx := context.Background()
	_ = tr.Connect(ctx)
	defer tr.Disconnect(ctx)

	msg, _ := protocol.Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	_, err = tr.Send(ctx, msg)
	var re *RetryableError
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.As(err, &re) {
		t.Fatal("403 must not be classified as retryable")
	}
}

func TestNewHTTPTransport_RefusesPlaintextByDefault(t *testing.T) {
	_, err := NewHTTPTransport("http://example.com/mcp", time.Second, false)
	if err != ErrPlaintextHTTPRefused {
		t.Fatalf("expected ErrPlaintextHTTPRefused, got %v", err)
	}
}
