// Package forwarder relays JSON-RPC messages between one local stream and
// one remote MCP session: request/response correlation, notification
// pumping, an optional tool-name filter, and bounded-grace shutdown
// (spec.md §4.6).
package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/revittco/mcpbridge/internal/protocol"
	"github.com/revittco/mcpbridge/internal/strategy"
	"github.com/revittco/mcpbridge/internal/transport"
)

// LocalWriter writes one framed message to the local output stream (stdout
// in the CLI binary). In the CLI the Session shares one protocol.Writer with
// the local endpoint's error replies, the notification log handler and the
// load-balance error path; that writer emits each message atomically.
type LocalWriter interface {
	WriteMessage(raw []byte) error
}

// Config is a Session's tunables, all from spec.md §4.6/§4.4.
type Config struct {
	RequestTimeout time.Duration
	ShutdownGrace  time.Duration
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
}

// pendingRequest tracks one outstanding local request awaiting a remote
// reply or timeout.
type pendingRequest struct {
	id        json.RawMessage
	cancel    context.CancelFunc
	method    string
	toolName  string
	startedAt time.Time
}

// Outcome describes how one forwarded request was resolved, for the
// diagnostics recorder and, in pool mode, the dispatcher's health ladder.
type Outcome struct {
	RequestID string
	Method    string
	ToolName  string
	Transport transport.Kind
	Success   bool
	TimedOut  bool
	Cancelled bool
	Latency   time.Duration
}

// Session is the bidirectional relay for one remote connection.
type Session struct {
	cfg      Config
	engine   *strategy.Engine
	sticky   *strategy.StickyState
	filter   *Filter
	local    LocalWriter
	baseCtx  context.Context

	mu        sync.Mutex
	pending   map[string]*pendingRequest
	draining  bool
	wg        sync.WaitGroup

	// OnOutcome, if set, is called once per resolved request. It is never
	// called concurrently with itself for the same request but may be
	// called concurrently across requests.
	OnOutcome func(Outcome)
}

// NewSession builds a Session that drives engine for every local message and
// writes replies/notifications to local.
func NewSession(ctx context.Context, cfg Config, engine *strategy.Engine, filter *Filter, local LocalWriter) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:     cfg,
		engine:  engine,
		sticky:  &strategy.StickyState{},
		filter:  filter,
		local:   local,
		baseCtx: ctx,
		pending: make(map[string]*pendingRequest),
	}
}

// PumpNotifications forwards tr's notification stream to the local writer in
// arrival order until tr's channel is abandoned or ctx is cancelled. Callers
// run one of these per configured transport.
func (s *Session) PumpNotifications(ctx context.Context, tr transport.Transport) {
	ch := tr.Notifications()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := s.local.WriteMessage(msg.Raw); err != nil {
				slog.Warn("failed to write notification to local stream", "error", err)
			}
		}
	}
}

// HandleLocal processes one decoded message arriving from the local stream.
func (s *Session) HandleLocal(msg *protocol.Message) {
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		return
	}

	switch msg.Kind {
	case protocol.KindNotification:
		s.wg.Add(1)
		go s.forwardNotification(msg)
	case protocol.KindRequest:
		if blocked, ok := s.checkToolFilter(msg); ok {
			if blocked {
				s.writeLocalError(msg.ID, protocol.CodeMethodNotFound, "tool not available")
				return
			}
		}
		s.handleRequest(msg)
	default:
		slog.Warn("dropping unexpected message kind from local stream", "kind", msg.Kind)
	}
}

// checkToolFilter reports (blocked, true) when msg is a tools/call whose
// tool name is subject to the filter; the second return is false for any
// other method, meaning "not applicable".
func (s *Session) checkToolFilter(msg *protocol.Message) (blocked, applicable bool) {
	if s.filter == nil || msg.Method != "tools/call" {
		return false, false
	}
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return false, false
	}
	return s.filter.Blocked(params.Name), true
}

func (s *Session) forwardNotification(msg *protocol.Message) {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.RequestTimeout)
	defer cancel()
	if _, _, err := s.engine.Execute(ctx, s.sticky, msg); err != nil {
		slog.Warn("dropping local notification, remote send failed", "method", msg.Method, "error", err)
	}
}

func (s *Session) handleRequest(msg *protocol.Message) {
	key := protocol.CorrelationKey(msg.ID)

	s.mu.Lock()
	if _, exists := s.pending[key]; exists {
		s.mu.Unlock()
		s.writeLocalError(msg.ID, protocol.CodeInvalidRequest, "Invalid Request")
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.pending[key] = &pendingRequest{
		id:        msg.ID,
		cancel:    cancel,
		method:    msg.Method,
		toolName:  toolNameOf(msg),
		startedAt: time.Now(),
	}
	s.mu.Unlock()

	s.wg.Add(1)
	timer := time.AfterFunc(s.cfg.RequestTimeout, func() { s.resolveTimeout(key, msg.ID) })

	go func() {
		defer s.wg.Done()
		defer timer.Stop()
		reply, kind, err := s.engine.Execute(ctx, s.sticky, msg)
		s.resolveResult(key, msg.ID, kind, reply, err)
	}()
}

func toolNameOf(msg *protocol.Message) string {
	if msg.Method != "tools/call" {
		return ""
	}
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return ""
	}
	return params.Name
}

func (s *Session) take(key string) (*pendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	return pr, ok
}

func (s *Session) resolveTimeout(key string, id json.RawMessage) {
	pr, ok := s.take(key)
	if !ok {
		return
	}
	pr.cancel()
	s.writeLocalError(id, protocol.CodeRequestTimedOut, "request timed out")
	s.emitOutcome(pr, transport.Kind(""), Outcome{TimedOut: true})
}

func (s *Session) resolveResult(key string, id json.RawMessage, kind transport.Kind, reply *protocol.Message, err error) {
	pr, ok := s.take(key)
	if !ok {
		return // already resolved by the timeout
	}
	pr.cancel()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.writeLocalError(id, protocol.CodeCancelled, "request cancelled")
			s.emitOutcome(pr, kind, Outcome{Cancelled: true})
			return
		}
		s.writeLocalError(id, protocol.CodeInternalError, err.Error())
		s.emitOutcome(pr, kind, Outcome{})
		return
	}

	if reply == nil {
		s.emitOutcome(pr, kind, Outcome{Success: true})
		return
	}
	if out, filtered := s.filterToolsList(id, reply); filtered {
		s.writeLocal(out)
		s.emitOutcome(pr, kind, Outcome{Success: true})
		return
	}
	s.writeLocal(reply.Raw)
	s.emitOutcome(pr, kind, Outcome{Success: true})
}

// emitOutcome fills in the request bookkeeping common to every completion
// path and reports it to OnOutcome, if set.
func (s *Session) emitOutcome(pr *pendingRequest, kind transport.Kind, o Outcome) {
	if s.OnOutcome == nil {
		return
	}
	o.RequestID = string(protocol.CorrelationKey(pr.id))
	o.Method = pr.method
	o.ToolName = pr.toolName
	o.Transport = kind
	o.Latency = time.Since(pr.startedAt)
	s.OnOutcome(o)
}

// filterToolsList post-filters a tools/list reply so blocked tools never
// reach the local side (spec.md §4.6, "post-filtered symmetrically").
func (s *Session) filterToolsList(id json.RawMessage, reply *protocol.Message) ([]byte, bool) {
	if s.filter == nil || len(reply.Result) == 0 {
		return nil, false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(reply.Result, &probe); err != nil {
		return nil, false
	}
	toolsRaw, ok := probe["tools"]
	if !ok {
		return nil, false
	}
	var tools []json.RawMessage
	if err := json.Unmarshal(toolsRaw, &tools); err != nil {
		return nil, false
	}

	kept := make([]json.RawMessage, 0, len(tools))
	for _, t := range tools {
		var named struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(t, &named); err == nil && s.filter.Blocked(named.Name) {
			continue
		}
		kept = append(kept, t)
	}

	keptJSON, err := json.Marshal(kept)
	if err != nil {
		return nil, false
	}
	probe["tools"] = keptJSON
	newResult, err := json.Marshal(probe)
	if err != nil {
		return nil, false
	}
	out, err := protocol.NewResult(id, newResult)
	if err != nil {
		return nil, false
	}
	return out, true
}

func (s *Session) writeLocal(raw []byte) {
	if err := s.local.WriteMessage(raw); err != nil {
		slog.Warn("failed to write reply to local stream", "error", err)
	}
}

func (s *Session) writeLocalError(id json.RawMessage, code int, message string) {
	raw, err := protocol.NewError(id, code, message)
	if err != nil {
		slog.Error("failed to build local error reply", "error", err)
		return
	}
	s.writeLocal(raw)
}

// Shutdown stops accepting new local messages, waits up to the configured
// grace for outstanding requests to resolve naturally, then cancels
// whatever remains (spec.md §4.6, "Shutdown").
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()

	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.ShutdownGrace):
	case <-ctx.Done():
	}

	s.mu.Lock()
	remaining := make([]*pendingRequest, 0, len(s.pending))
	for _, pr := range s.pending {
		remaining = append(remaining, pr)
	}
	s.pending = make(map[string]*pendingRequest)
	s.mu.Unlock()

	for _, pr := range remaining {
		pr.cancel()
		s.writeLocalError(pr.id, protocol.CodeCancelled, "request cancelled: session shutting down")
		s.emitOutcome(pr, transport.Kind(""), Outcome{Cancelled: true})
	}
	if len(remaining) == 0 {
		return nil
	}
	return fmt.Errorf("shutdown: %d requests cancelled after grace period", len(remaining))
}
