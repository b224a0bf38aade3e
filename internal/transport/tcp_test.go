package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/revittco/mcpbridge/internal/protocol"
)

// echoServer accepts one connection and replies to every framed request
// with a result carrying the same id.
func echoServer(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := protocol.NewReader(conn, 0)
		writer := protocol.NewWriter(conn)
		for {
			msg, err := reader.ReadMessage()
			if err != nil {
				return
			}
			if msg.Kind != protocol.KindRequest {
				continue
			}
			reply, err := protocol.NewResult(msg.ID, []byte(`{"ok":true}`))
			if err != nil {
				return
			}
			_ = writer.WriteMessage(reply)
		}
	}()
}

func TestTCPTransport_RoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	echoServer(t, ln)

	tr := NewTCPTransport(ln.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect(context.Background())

	msg, err := protocol.Decode([]byte(`{"jsonrpc":"2.0","id":3,"method":"ping"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	reply, err := tr.Send(ctx, msg)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply == nil || string(reply.ID) != "3" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestTCPTransport_SendAfterCloseFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	echoServer(t, ln)

	tr := NewTCPTransport(ln.Addr().String())
	ctx := context.Background()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := tr.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	msg, _ := protocol.Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if _, err := tr.Send(ctx, msg); err != ErrNotAlive {
		t.Fatalf("expected ErrNotAlive after disconnect, got %v", err)
	}
}
