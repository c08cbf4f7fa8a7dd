package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appcanvas/runtime/internal/infrastructure/logging"
	"github.com/appcanvas/runtime/internal/infrastructure/monitoring"
	"github.com/appcanvas/runtime/internal/sandbox/protocol"
)

var (
	// ErrTimeout is returned when no response arrives within the request timeout.
	ErrTimeout = errors.New("request timed out")
	// ErrClosed is returned for operations on a closed bridge.
	ErrClosed = errors.New("bridge closed")
	// ErrNotReady is returned when the sandbox has not completed the handshake.
	ErrNotReady = errors.New("sandbox not ready")
	// ErrDuplicateID is returned when a request ID is already in flight.
	ErrDuplicateID = errors.New("request ID already in flight")
	// ErrOriginMismatch is returned when the transport origin differs from the expected one.
	ErrOriginMismatch = errors.New("unexpected transport origin")
)

// DefaultRequestTimeout bounds how long one data request may stay pending.
const DefaultRequestTimeout = 30 * time.Second

// Transport delivers encoded messages to one sandbox instance.
type Transport interface {
	Send(msg protocol.Message) error
	Origin() string
}

// RequestHandler answers sandbox-initiated data requests.
type RequestHandler interface {
	Handle(ctx context.Context, req protocol.APIRequestPayload) protocol.APIResponsePayload
}

// Config wires a bridge to its collaborators.
type Config struct {
	AppID          string
	ExpectedOrigin string        // empty skips the check
	RequestTimeout time.Duration // zero means DefaultRequestTimeout
	Handler        RequestHandler
	OnDataUpdate   func(protocol.DataUpdatePayload)
	OnError        func(protocol.ErrorPayload)
	OnEvent        func(protocol.EventPayload)
}

type outcome struct {
	resp protocol.APIResponsePayload
	err  error
}

// pendingRequest is owned exclusively by the bridge for the lifetime of one
// request; it is removed on the matching response or on timeout, never both.
type pendingRequest struct {
	id        string
	createdAt time.Time
	done      chan outcome
	timer     *time.Timer
}

// Bridge binds one sandbox instance to the protocol: it tracks pending
// requests, enforces the handshake, and relays data operations to the
// handler. All pending-state mutation happens under one mutex.
type Bridge struct {
	cfg       Config
	transport Transport
	logger    *logging.Logger
	metrics   *monitoring.Metrics

	mu      sync.Mutex
	pending map[string]*pendingRequest
	ready   bool
	closed  bool
}

// New creates a bridge for one sandbox instance.
func New(cfg Config, transport Transport, logger *logging.Logger, metrics *monitoring.Metrics) (*Bridge, error) {
	if cfg.ExpectedOrigin != "" && transport.Origin() != cfg.ExpectedOrigin {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrOriginMismatch, transport.Origin(), cfg.ExpectedOrigin)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	return &Bridge{
		cfg:       cfg,
		transport: transport,
		logger:    logger.Named("bridge").With(zap.String("app_id", cfg.AppID)),
		metrics:   metrics,
		pending:   make(map[string]*pendingRequest),
	}, nil
}

// Start sends the init message carrying the initial data snapshot. The
// sandbox answers with ready once it has consumed the snapshot.
func (b *Bridge) Start(initialData json.RawMessage) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	msg, err := protocol.New(protocol.TypeInit, protocol.SourceHost, protocol.InitPayload{
		AppID: b.cfg.AppID,
		Data:  initialData,
	})
	if err != nil {
		return err
	}
	return b.send(msg)
}

// Ready reports whether the handshake completed.
func (b *Bridge) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Pending reports how many requests await resolution.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// HandleInbound processes one raw message from the sandbox. Malformed and
// unknown-type messages are dropped and logged, never fatal.
func (b *Bridge) HandleInbound(ctx context.Context, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		b.logger.Warn("dropping message", zap.Error(err))
		return
	}
	b.count(msg.Type, "inbound")

	if msg.Type == protocol.TypeReady {
		b.mu.Lock()
		b.ready = true
		b.mu.Unlock()
		b.logger.Info("sandbox ready")
		return
	}

	b.mu.Lock()
	ready := b.ready
	b.mu.Unlock()
	if !ready {
		b.logger.Warn("dropping message before handshake", zap.String("type", string(msg.Type)))
		return
	}

	switch msg.Type {
	case protocol.TypeAPIRequest:
		b.handleRequest(ctx, msg)
	case protocol.TypeAPIResponse:
		var payload protocol.APIResponsePayload
		if err := msg.DecodePayload(&payload); err != nil {
			b.logger.Warn("dropping malformed response", zap.Error(err))
			return
		}
		// Late or duplicate responses resolve nothing; that is a no-op.
		b.resolve(payload.RequestID, outcome{resp: payload})
	case protocol.TypeDataUpdate:
		var payload protocol.DataUpdatePayload
		if err := msg.DecodePayload(&payload); err != nil {
			b.logger.Warn("dropping malformed data-update", zap.Error(err))
			return
		}
		if b.cfg.OnDataUpdate != nil {
			b.cfg.OnDataUpdate(payload)
		}
	case protocol.TypeError:
		var payload protocol.ErrorPayload
		if err := msg.DecodePayload(&payload); err != nil {
			b.logger.Warn("dropping malformed error", zap.Error(err))
			return
		}
		b.logger.Warn("sandbox error", zap.String("message", payload.Message))
		if b.cfg.OnError != nil {
			b.cfg.OnError(payload)
		}
	case protocol.TypeEvent:
		var payload protocol.EventPayload
		if err := msg.DecodePayload(&payload); err != nil {
			b.logger.Warn("dropping malformed event", zap.Error(err))
			return
		}
		if b.cfg.OnEvent != nil {
			b.cfg.OnEvent(payload)
		}
	default:
		b.logger.Warn("dropping unhandled message", zap.String("type", string(msg.Type)))
	}
}

// handleRequest relays a sandbox data request to the handler and sends the
// response back over the transport.
func (b *Bridge) handleRequest(ctx context.Context, msg protocol.Message) {
	var req protocol.APIRequestPayload
	if err := msg.DecodePayload(&req); err != nil {
		b.logger.Warn("dropping malformed request", zap.Error(err))
		return
	}
	if req.RequestID == "" {
		b.logger.Warn("dropping request without ID")
		return
	}
	if b.cfg.Handler == nil {
		b.respond(protocol.APIResponsePayload{
			RequestID: req.RequestID,
			Error:     "no data handler configured",
		})
		return
	}

	resp := b.cfg.Handler.Handle(ctx, req)
	resp.RequestID = req.RequestID
	b.respond(resp)
}

func (b *Bridge) respond(resp protocol.APIResponsePayload) {
	msg, err := protocol.New(protocol.TypeAPIResponse, protocol.SourceHost, resp)
	if err != nil {
		b.logger.Error("encode response failed", zap.Error(err))
		return
	}
	if err := b.send(msg); err != nil {
		b.logger.Warn("send response failed", zap.Error(err))
	}
}

// Request sends a host-initiated request into the sandbox and waits for the
// matching response. The caller mints the request ID; the bridge never
// generates one. Exactly one resolution happens per ID: the response and
// the timeout race, and the loser is a no-op. An abandoned context leaves
// the entry to expire on its own timer.
func (b *Bridge) Request(ctx context.Context, req protocol.APIRequestPayload) (protocol.APIResponsePayload, error) {
	if req.RequestID == "" {
		return protocol.APIResponsePayload{}, errors.New("request ID is required")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return protocol.APIResponsePayload{}, ErrClosed
	}
	if !b.ready {
		b.mu.Unlock()
		return protocol.APIResponsePayload{}, ErrNotReady
	}
	if _, exists := b.pending[req.RequestID]; exists {
		b.mu.Unlock()
		return protocol.APIResponsePayload{}, fmt.Errorf("%w: %s", ErrDuplicateID, req.RequestID)
	}

	p := &pendingRequest{
		id:        req.RequestID,
		createdAt: time.Now(),
		done:      make(chan outcome, 1),
	}
	b.pending[req.RequestID] = p
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.PendingRequests.Inc()
	}

	p.timer = time.AfterFunc(b.cfg.RequestTimeout, func() {
		if b.resolve(p.id, outcome{err: fmt.Errorf("%w: %s", ErrTimeout, p.id)}) {
			if b.metrics != nil {
				b.metrics.RequestTimeouts.Inc()
			}
		}
	})

	msg, err := protocol.New(protocol.TypeAPIRequest, protocol.SourceHost, req)
	if err != nil {
		b.resolve(req.RequestID, outcome{err: err})
		return protocol.APIResponsePayload{}, err
	}
	if err := b.send(msg); err != nil {
		b.resolve(req.RequestID, outcome{err: err})
		return protocol.APIResponsePayload{}, err
	}

	select {
	case out := <-p.done:
		if out.err != nil {
			return protocol.APIResponsePayload{}, out.err
		}
		return out.resp, nil
	case <-ctx.Done():
		return protocol.APIResponsePayload{}, ctx.Err()
	}
}

// resolve removes the pending entry for id and delivers the outcome.
// Returns false when the entry was already resolved.
func (b *Bridge) resolve(id string, out outcome) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	if b.metrics != nil {
		b.metrics.PendingRequests.Dec()
	}
	p.done <- out
	return true
}

// SendDataUpdate pushes a fresh record snapshot into the sandbox.
func (b *Bridge) SendDataUpdate(data json.RawMessage) error {
	msg, err := protocol.New(protocol.TypeDataUpdate, protocol.SourceHost, protocol.DataUpdatePayload{Data: data})
	if err != nil {
		return err
	}
	return b.send(msg)
}

func (b *Bridge) send(msg protocol.Message) error {
	b.count(msg.Type, "outbound")
	return b.transport.Send(msg)
}

func (b *Bridge) count(t protocol.Type, direction string) {
	if b.metrics != nil {
		b.metrics.BridgeMessages.WithLabelValues(string(t), direction).Inc()
	}
}

// Close rejects all pending requests and refuses further traffic.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.ready = false
	pending := make([]*pendingRequest, 0, len(b.pending))
	for _, p := range b.pending {
		pending = append(pending, p)
	}
	b.pending = make(map[string]*pendingRequest)
	b.mu.Unlock()

	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		if b.metrics != nil {
			b.metrics.PendingRequests.Dec()
		}
		p.done <- outcome{err: ErrClosed}
	}
}
