package localio

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/revittco/mcpbridge/internal/protocol"
)

func TestNotificationHandler_EmitsValidJSONRPCFrame(t *testing.T) {
	var out bytes.Buffer
	w := protocol.NewWriter(&out)
	logger := slog.New(NewNotificationHandler(w))

	logger.Info("connected", "transport", "http")

	line := strings.TrimSpace(out.String())
	msg, err := protocol.Decode([]byte(line))
	if err != nil {
		t.Fatalf("decode emitted log line as JSON-RPC: %v", err)
	}
	if msg.Kind != protocol.KindNotification || msg.Method != "notifications/message" {
		t.Fatalf("unexpected message: kind=%v method=%s", msg.Kind, msg.Method)
	}
	if strings.ContainsAny(line, "\x1b") {
		t.Fatal("notification log line must not contain ANSI escape codes")
	}
}

func TestNotificationHandler_WithAttrsIncludesBoundAttrs(t *testing.T) {
	var out bytes.Buffer
	w := protocol.NewWriter(&out)
	logger := slog.New(NewNotificationHandler(w)).With("endpoint", "https://example.test")

	logger.Warn("refresh failed")

	if !strings.Contains(out.String(), `"endpoint":"https://example.test"`) {
		t.Fatalf("expected bound attr in output, got %s", out.String())
	}
}
