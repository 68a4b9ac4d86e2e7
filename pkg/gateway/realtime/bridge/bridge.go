// Package bridge relays one browser websocket to one upstream realtime
// session. A Bridge moves through ACCEPTED, WARMING, BRIDGED and CLOSED and
// is never reused.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/realtime-relay/pkg/gateway/metrics"
	"github.com/vango-go/realtime-relay/pkg/gateway/realtime/credential"
	"github.com/vango-go/realtime-relay/pkg/gateway/realtime/pool"
)

const (
	DefaultKeepaliveInterval = 10 * time.Millisecond
	DefaultWriteTimeout      = 5 * time.Second
	DefaultWarmingBacklog    = 64
	DefaultModel             = "gpt-4o-realtime-preview"
)

var (
	ErrOriginRejected = errors.New("origin not allowed")
	ErrKeepalive      = errors.New("keepalive write failed")
)

// Conn is the subset of *websocket.Conn a bridge needs on either leg.
// WriteControl and Close may be called concurrently with the other methods.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Acquirer hands out one upstream credential per call.
type Acquirer interface {
	Acquire(ctx context.Context) (credential.Credential, pool.Source, error)
}

// Gate decides whether a declared origin may proceed.
type Gate interface {
	Allowed(origin string) bool
}

type State int32

const (
	StateAccepted State = iota
	StateWarming
	StateBridged
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateWarming:
		return "warming"
	case StateBridged:
		return "bridged"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Config struct {
	KeepaliveInterval time.Duration
	WriteTimeout      time.Duration
	WarmingBacklog    int
	DefaultModel      string
}

type Dependencies struct {
	ID          string
	Client      Conn
	Origin      string
	Gate        Gate
	Credentials Acquirer
	Dialer      Dialer
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Config      Config

	// Now overrides the clock used for keepalive timestamps and log timings.
	// Socket deadlines always use the wall clock.
	Now func() time.Time
}

// Bridge is the per-connection state machine. Run owns every data write to
// both legs; reader goroutines only post events back to it.
type Bridge struct {
	id          string
	cfg         Config
	client      Conn
	origin      string
	gate        Gate
	creds       Acquirer
	dialer      Dialer
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	state       atomic.Int32
	stop        chan closeRequest
	connectedAt time.Time

	upstream Conn
	source   pool.Source
	model    string
}

type closeRequest struct {
	code   int
	reason string
}

type readEvent struct {
	frame frame
	err   error
}

type upstreamResult struct {
	conn   Conn
	source pool.Source
	model  string
	err    error
}

// outcome summarises how a bridge ended, for logs and metrics.
type outcome struct {
	reason string
	code   int
	text   string
	err    error
}

func New(deps Dependencies) (*Bridge, error) {
	if deps.Client == nil {
		return nil, errors.New("bridge: client conn is required")
	}
	if deps.Credentials == nil {
		return nil, errors.New("bridge: credential source is required")
	}
	if deps.Dialer == nil {
		return nil, errors.New("bridge: upstream dialer is required")
	}

	cfg := deps.Config
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.WarmingBacklog < 0 {
		cfg.WarmingBacklog = 0
	} else if cfg.WarmingBacklog == 0 {
		cfg.WarmingBacklog = DefaultWarmingBacklog
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	b := &Bridge{
		id:      deps.ID,
		cfg:     cfg,
		client:  deps.Client,
		origin:  deps.Origin,
		gate:    deps.Gate,
		creds:   deps.Credentials,
		dialer:  deps.Dialer,
		logger:  logger.With("session_id", deps.ID),
		metrics: deps.Metrics,
		now:     now,
		stop:    make(chan closeRequest, 1),
	}
	b.state.Store(int32(StateAccepted))
	return b, nil
}

func (b *Bridge) ID() string { return b.id }

func (b *Bridge) State() State { return State(b.state.Load()) }

func (b *Bridge) setState(s State) { b.state.Store(int32(s)) }

// Shutdown asks a running bridge to close both legs with code and reason.
// It does not block; repeated calls keep the first request.
func (b *Bridge) Shutdown(code int, reason string) {
	select {
	case b.stop <- closeRequest{code: code, reason: reason}:
	default:
	}
}

// Run drives the bridge until both legs are closed. A nil error means the
// session ended because one of the peers closed it.
func (b *Bridge) Run(ctx context.Context) error {
	b.connectedAt = b.now()

	// The client may have gone away between the handshake and this call.
	if ctx.Err() != nil {
		_ = b.client.Close()
		b.setState(StateClosed)
		return nil
	}

	if b.gate != nil && !b.gate.Allowed(b.origin) {
		b.logger.Warn("rejecting realtime connection", "origin", b.origin)
		b.closeConn(b.client, websocket.ClosePolicyViolation, "origin not allowed")
		b.setState(StateClosed)
		return ErrOriginRejected
	}

	// Nothing may be awaited before the first keepalive: the client drops
	// connections that stay silent past its own short connect timeout.
	if err := b.writeKeepalive(); err != nil {
		_ = b.client.Close()
		b.setState(StateClosed)
		b.logger.Warn("initial keepalive failed", "error", err)
		return fmt.Errorf("%w: %v", ErrKeepalive, err)
	}

	b.metrics.RecordBridgeStart()
	done := make(chan struct{})
	defer close(done)

	clientEvents := make(chan readEvent, 1)
	go readPump(b.client, clientEvents, done)

	out := b.warm(ctx, clientEvents)
	if out == nil {
		out = b.relay(ctx, clientEvents, done)
	}

	b.setState(StateClosed)
	b.metrics.RecordBridgeEnd(out.reason, b.now().Sub(b.connectedAt))
	attrs := []any{
		"reason", out.reason,
		"code", out.code,
		"code_name", closeCodeName(out.code),
		"elapsed_ms", b.now().Sub(b.connectedAt).Milliseconds(),
	}
	if b.source != "" {
		attrs = append(attrs, "credential_source", string(b.source), "model", b.model)
	}
	if out.err != nil {
		attrs = append(attrs, "error", out.err)
		b.logger.Warn("bridge closed", attrs...)
	} else {
		b.logger.Info("bridge closed", attrs...)
	}
	return out.err
}

// warm runs the WARMING state. It returns nil once the upstream leg is open
// and the bridge should relay, or the terminal outcome otherwise.
func (b *Bridge) warm(ctx context.Context, clientEvents <-chan readEvent) *outcome {
	b.setState(StateWarming)

	results := make(chan upstreamResult, 1)
	// The upstream attempt outlives the request context: if the client leaves
	// it is allowed to settle and its connection is closed afterwards.
	go b.connectUpstream(context.WithoutCancel(ctx), results)

	ticker := time.NewTicker(b.cfg.KeepaliveInterval)
	defer ticker.Stop()

	var backlog []frame
	dropped := 0

	for {
		select {
		case <-ticker.C:
			if err := b.writeKeepalive(); err != nil {
				go b.discardUpstream(results, "client unreachable")
				b.closeConn(b.client, websocket.CloseInternalServerErr, "keepalive failed")
				return &outcome{reason: "client_write_failed", code: websocket.CloseInternalServerErr, err: fmt.Errorf("%w: %v", ErrKeepalive, err)}
			}

		case ev := <-clientEvents:
			if ev.err != nil {
				code, text := closeInfo(ev.err)
				b.logger.Info("client left while warming", "code", code, "elapsed_ms", b.now().Sub(b.connectedAt).Milliseconds())
				go b.discardUpstream(results, "client disconnected")
				_ = b.client.Close()
				return &outcome{reason: "client_closed_warming", code: code, text: text}
			}
			if len(backlog) >= b.cfg.WarmingBacklog {
				dropped++
				if dropped == 1 {
					b.logger.Warn("dropping client frames received before upstream opened", "backlog", b.cfg.WarmingBacklog)
				}
				continue
			}
			backlog = append(backlog, ev.frame)

		case res := <-results:
			ticker.Stop()
			if res.err != nil {
				b.logger.Error("upstream unavailable",
					"error", res.err,
					"credential_source", string(res.source),
					"elapsed_ms", b.now().Sub(b.connectedAt).Milliseconds(),
				)
				b.closeConn(b.client, websocket.CloseInternalServerErr, "upstream unavailable")
				return &outcome{reason: "upstream_unavailable", code: websocket.CloseInternalServerErr, err: res.err}
			}
			b.upstream = res.conn
			b.source = res.source
			b.model = res.model
			b.setState(StateBridged)
			b.metrics.RecordWarming(b.now().Sub(b.connectedAt))
			b.logger.Info("upstream connected",
				"credential_source", string(res.source),
				"model", res.model,
				"warming_ms", b.now().Sub(b.connectedAt).Milliseconds(),
				"held_frames", len(backlog),
				"dropped_frames", dropped,
			)
			for _, f := range backlog {
				if err := b.forward(b.upstream, f, metrics.DirectionClientToUpstream); err != nil {
					return b.failBoth("upstream_write_failed", fmt.Errorf("forward to upstream: %w", err))
				}
			}
			return nil

		case req := <-b.stop:
			go b.discardUpstream(results, req.reason)
			b.closeConn(b.client, req.code, req.reason)
			return &outcome{reason: "shutdown", code: req.code, text: req.reason}

		case <-ctx.Done():
			go b.discardUpstream(results, "server shutting down")
			b.closeConn(b.client, websocket.CloseGoingAway, "server shutting down")
			return &outcome{reason: "shutdown", code: websocket.CloseGoingAway}
		}
	}
}

// relay runs the BRIDGED state until either leg closes or fails.
func (b *Bridge) relay(ctx context.Context, clientEvents <-chan readEvent, done <-chan struct{}) *outcome {
	upstreamEvents := make(chan readEvent, 1)
	go readPump(b.upstream, upstreamEvents, done)

	for {
		select {
		case ev := <-clientEvents:
			if ev.err != nil {
				code, text := closeInfo(ev.err)
				b.closeConn(b.upstream, code, text)
				_ = b.client.Close()
				return &outcome{reason: "client_closed", code: code, text: text}
			}
			if err := b.forward(b.upstream, ev.frame, metrics.DirectionClientToUpstream); err != nil {
				return b.failBoth("upstream_write_failed", fmt.Errorf("forward to upstream: %w", err))
			}

		case ev := <-upstreamEvents:
			if ev.err != nil {
				code, text := closeInfo(ev.err)
				b.closeConn(b.client, code, text)
				_ = b.upstream.Close()
				return &outcome{reason: "upstream_closed", code: code, text: text}
			}
			if err := b.forward(b.client, ev.frame, metrics.DirectionUpstreamToClient); err != nil {
				return b.failBoth("client_write_failed", fmt.Errorf("forward to client: %w", err))
			}

		case req := <-b.stop:
			b.closeConn(b.upstream, req.code, req.reason)
			b.closeConn(b.client, req.code, req.reason)
			return &outcome{reason: "shutdown", code: req.code, text: req.reason}

		case <-ctx.Done():
			b.closeConn(b.upstream, websocket.CloseGoingAway, "server shutting down")
			b.closeConn(b.client, websocket.CloseGoingAway, "server shutting down")
			return &outcome{reason: "shutdown", code: websocket.CloseGoingAway}
		}
	}
}

func (b *Bridge) connectUpstream(ctx context.Context, out chan<- upstreamResult) {
	cred, source, err := b.creds.Acquire(ctx)
	if err != nil {
		out <- upstreamResult{source: source, err: fmt.Errorf("acquire credential: %w", err)}
		return
	}
	model := cred.ModelID
	if model == "" {
		model = b.cfg.DefaultModel
	}
	conn, err := b.dialer.Dial(ctx, cred, model)
	if err != nil {
		out <- upstreamResult{source: source, model: model, err: fmt.Errorf("dial upstream: %w", err)}
		return
	}
	out <- upstreamResult{conn: conn, source: source, model: model}
}

// discardUpstream waits for an upstream attempt nobody will use and closes
// whatever connection it produced.
func (b *Bridge) discardUpstream(results <-chan upstreamResult, reason string) {
	res := <-results
	if res.conn == nil {
		return
	}
	b.closeConn(res.conn, websocket.CloseNormalClosure, reason)
	b.logger.Debug("closed unused upstream connection", "reason", reason)
}

func (b *Bridge) writeKeepalive() error {
	if err := b.client.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := b.client.WriteMessage(websocket.TextMessage, encodeKeepalive(b.now())); err != nil {
		return err
	}
	b.metrics.RecordKeepalive()
	return nil
}

func (b *Bridge) forward(dst Conn, f frame, direction string) error {
	if typ := eventType(f); typ != "" {
		b.logger.Debug("relay event", "direction", direction, "type", typ)
	}
	if err := dst.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := dst.WriteMessage(f.messageType, f.data); err != nil {
		return err
	}
	b.metrics.RecordFrame(direction)
	return nil
}

func (b *Bridge) failBoth(reason string, err error) *outcome {
	b.closeConn(b.upstream, websocket.CloseInternalServerErr, "relay failed")
	b.closeConn(b.client, websocket.CloseInternalServerErr, "relay failed")
	return &outcome{reason: reason, code: websocket.CloseInternalServerErr, err: err}
}

func (b *Bridge) closeConn(c Conn, code int, reason string) {
	if c == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, truncateReason(reason))
	_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(b.cfg.WriteTimeout))
	_ = c.Close()
}

func readPump(c Conn, out chan<- readEvent, done <-chan struct{}) {
	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			select {
			case out <- readEvent{err: err}:
			case <-done:
			}
			return
		}
		select {
		case out <- readEvent{frame: frame{messageType: mt, data: data}}:
		case <-done:
			return
		}
	}
}
