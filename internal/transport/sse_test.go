package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/revittco/mcpbridge/internal/protocol"
)

// sseServer serves a GET /stream as text/event-stream and a POST /post that
// triggers a reply to be pushed on the stream for the request's id.
func sseServer(t *testing.T) *httptest.Server {
	t.Helper()
	pushCh := make(chan string, 8)

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for {
			select {
			case data := <-pushCh:
				fmt.Fprintf(w, "data: %s\n\n", data)
				if flusher != nil {
					flusher.Flush()
				}
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("/post", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		decoded, err := protocol.Decode(body)
		if err == nil && decoded.Kind == protocol.KindRequest {
			reply, _ := protocol.NewResult(decoded.ID, []byte(`{"ok":true}`))
			pushCh <- string(reply)
		}
		w.WriteHeader(http.StatusOK)
	})

	return httptest.NewServer(mux)
}

func TestSSETransport_RoundTrip(t *testing.T) {
	srv := sseServer(t)
	defer srv.Close()

	tr, err := NewSSETransport(srv.URL+"/stream", srv.URL+"/post", true)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect(context.Background())

	msg, err := protocol.Decode([]byte(`{"jsonrpc":"2.0","id":5,"method":"ping"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	reply, err := tr.Send(ctx, msg)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply == nil || string(reply.ID) != "5" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}
