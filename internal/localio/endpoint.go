// Package localio is the process's local-stream edge: a newline-JSON-RPC
// reader over standard input feeding a forwarder or dispatcher, a single
// writer task as the sole producer on standard output, and the two logging
// modes spec.md §4.8 defines for sharing that output stream with diagnostic
// messages.
package localio

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/revittco/mcpbridge/internal/protocol"
)

// Dispatch is called with every successfully decoded local message.
type Dispatch func(*protocol.Message)

// Endpoint owns the local input reader and output writer. Output is shared
// by forwarded replies/notifications and, in notification-logging mode, log
// frames — all funneled through the same *protocol.Writer so writes are
// never interleaved (spec.md §4.8, §5).
type Endpoint struct {
	reader *protocol.Reader
	writer *protocol.Writer
}

// New builds an Endpoint reading in and writing framed messages to out.
func New(in io.Reader, out io.Writer, maxFrameSize int) *Endpoint {
	return &Endpoint{
		reader: protocol.NewReader(in, maxFrameSize),
		writer: protocol.NewWriter(out),
	}
}

// Writer exposes the shared output writer, e.g. to satisfy
// forwarder.LocalWriter or dispatcher.Pool's session wiring.
func (e *Endpoint) Writer() *protocol.Writer { return e.writer }

// Run reads frames until EOF or ctx is cancelled, handing each decoded
// message to dispatch. A malformed or oversized frame gets a local
// JSON-RPC error reply (id: null) and reading continues; neither is fatal
// to the process (spec.md §7). Run returns nil on clean EOF.
func (e *Endpoint) Run(ctx context.Context, dispatch Dispatch) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := e.reader.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				e.writeLocalError(protocol.CodeInvalidRequest, "frame exceeds maximum size")
				continue
			}
			var frameErr *protocol.FrameError
			if errors.As(err, &frameErr) {
				e.writeLocalError(protocol.CodeParseError, "parse error: "+frameErr.Err.Error())
				continue
			}
			return err
		}
		dispatch(msg)
	}
}

func (e *Endpoint) writeLocalError(code int, message string) {
	raw, buildErr := protocol.NewError(nil, code, message)
	if buildErr != nil {
		slog.Error("failed to build local error reply", "error", buildErr)
		return
	}
	if err := e.writer.WriteMessage(raw); err != nil {
		slog.Error("failed to write local error reply", "error", err)
	}
}
