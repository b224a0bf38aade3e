package transport

import (
	"context"
	"testing"
	"time"

	"github.com/revittco/mcpbridge/internal/protocol"
)

// catScript is a trivial "echo back whatever I'm given as a result" child
// process implemented with the shell so the test has no external
// dependency. It rewrites {"method":"ping",...,"id":N} to a result reply.
const catScript = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  if [ -n "$id" ]; then
    printf '{"jsonrpc":"2.0","id":%s,"result":{"echo":true}}\n' "$id"
  fi
done
`

func TestSubprocessTransport_RoundTrip(t *testing.T) {
	tr := NewSubprocessTransport("sh", []string{"-c", catScript}, nil, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect(context.Background())

	msg, err := protocol.Decode([]byte(`{"jsonrpc":"2.0","id":7,"method":"ping"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	reply, err := tr.Send(ctx, msg)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply == nil || string(reply.ID) != "7" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestSubprocessTransport_DisconnectIsGraceful(t *testing.T) {
	tr := NewSubprocessTransport("sh", []string{"-c", catScript}, nil, 200*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := tr.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if tr.IsAlive() {
		t.Fatal("expected transport to report not-alive after disconnect")
	}
}

func TestSubprocessTransport_SendBeforeConnectFails(t *testing.T) {
	tr := NewSubprocessTransport("sh", []string{"-c", catScript}, nil, time.Second)
	msg, _ := protocol.Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	_, err := tr.Send(context.Background(), msg)
	if err != ErrNotAlive {
		t.Fatalf("expected ErrNotAlive, got %v", err)
	}
}
