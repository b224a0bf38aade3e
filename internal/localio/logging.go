package localio

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/revittco/mcpbridge/internal/protocol"
)

// NotificationHandler is an slog.Handler that emits log records as
// `notifications/message` JSON-RPC notifications on the local output
// stream instead of human-readable text, per spec.md §4.8's resolved Open
// Question: no timestamp, no ANSI color, so every line stays a valid
// JSON-RPC frame for the consumer.
type NotificationHandler struct {
	writer *protocol.Writer
	attrs  []slog.Attr
	group  string
}

// NewNotificationHandler builds a handler that writes through w.
func NewNotificationHandler(w *protocol.Writer) *NotificationHandler {
	return &NotificationHandler{writer: w}
}

func (h *NotificationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *NotificationHandler) Handle(ctx context.Context, rec slog.Record) error {
	data := make(map[string]any, rec.NumAttrs()+len(h.attrs)+1)
	data["message"] = rec.Message
	for _, a := range h.attrs {
		data[h.key(a.Key)] = a.Value.Any()
	}
	rec.Attrs(func(a slog.Attr) bool {
		data[h.key(a.Key)] = a.Value.Any()
		return true
	})

	params, err := json.Marshal(map[string]any{
		"level": levelName(rec.Level),
		"data":  data,
	})
	if err != nil {
		return err
	}
	raw, err := protocol.NewNotification("notifications/message", params)
	if err != nil {
		return err
	}
	return h.writer.WriteMessage(raw)
}

func (h *NotificationHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *NotificationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &NotificationHandler{writer: h.writer, group: h.group}
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return next
}

func (h *NotificationHandler) WithGroup(name string) slog.Handler {
	next := &NotificationHandler{writer: h.writer, attrs: h.attrs}
	if h.group == "" {
		next.group = name
	} else {
		next.group = h.group + "." + name
	}
	return next
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warning"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
