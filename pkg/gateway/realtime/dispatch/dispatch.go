// Package dispatch accepts websocket upgrades for the realtime path and hands
// each accepted connection to a new bridge.
package dispatch

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/realtime-relay/pkg/gateway/apierror"
	"github.com/vango-go/realtime-relay/pkg/gateway/metrics"
	"github.com/vango-go/realtime-relay/pkg/gateway/mw"
	"github.com/vango-go/realtime-relay/pkg/gateway/ratelimit"
	"github.com/vango-go/realtime-relay/pkg/gateway/realtime/bridge"
	"github.com/vango-go/realtime-relay/pkg/gateway/realtime/sessions"
)

const DefaultPath = "/realtime"

// Draining reports whether the process has stopped accepting new sessions.
type Draining interface {
	IsDraining() bool
}

type Options struct {
	// Path is matched as a prefix of the request path.
	Path            string
	Gate            bridge.Gate
	Credentials     bridge.Acquirer
	Dialer          bridge.Dialer
	Tracker         *sessions.Tracker
	Lifecycle       Draining
	Limiter         *ratelimit.Limiter
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	Bridge          bridge.Config
	MaxMessageBytes int64

	// NewID overrides session id generation.
	NewID func() string
}

// Dispatcher owns the process-wide websocket upgrader. Build it once at
// startup and wrap the rest of the HTTP stack with it.
type Dispatcher struct {
	opts     Options
	path     string
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Credentials == nil {
		return nil, errors.New("dispatch: credential source is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("dispatch: upstream dialer is required")
	}
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	return &Dispatcher{
		opts:   opts,
		path:   path,
		logger: logger,
		upgrader: websocket.Upgrader{
			// Origins are enforced by the bridge so that rejected clients get
			// a policy-violation close frame instead of a bare 403.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

func (d *Dispatcher) Path() string { return d.path }

// Matches reports whether r is a websocket upgrade for the realtime path.
func (d *Dispatcher) Matches(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, d.path) && websocket.IsWebSocketUpgrade(r)
}

// Wrap returns a handler that serves realtime upgrades itself and passes
// every other request to next.
func (d *Dispatcher) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !d.Matches(r) {
			next.ServeHTTP(w, r)
			return
		}
		d.ServeHTTP(w, r)
	})
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if d.opts.Lifecycle != nil && d.opts.Lifecycle.IsDraining() {
		apierror.Write(w, 0, &apierror.Error{
			Type:      apierror.ErrUnavailable,
			Message:   "relay is draining",
			Code:      "draining",
			RequestID: requestID(r),
		})
		return
	}

	dec := d.opts.Limiter.AcquireBridge(ratelimit.ClientKey(r), time.Now())
	if !dec.Allowed {
		if dec.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
		}
		apierror.Write(w, 0, &apierror.Error{
			Type:      apierror.ErrRateLimit,
			Message:   "too many realtime sessions",
			RequestID: requestID(r),
		})
		return
	}
	defer dec.Permit.Release()

	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		d.logger.Debug("websocket upgrade failed", "path", r.URL.Path, "error", err)
		return
	}
	defer conn.Close()
	if d.opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(d.opts.MaxMessageBytes)
	}

	id := d.opts.NewID()
	b, err := bridge.New(bridge.Dependencies{
		ID:          id,
		Client:      conn,
		Origin:      r.Header.Get("Origin"),
		Gate:        d.opts.Gate,
		Credentials: d.opts.Credentials,
		Dialer:      d.opts.Dialer,
		Logger:      d.logger.With("request_id", requestID(r)),
		Metrics:     d.opts.Metrics,
		Config:      d.opts.Bridge,
	})
	if err != nil {
		d.logger.Error("failed to create bridge", "session_id", id, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error"), time.Now().Add(time.Second))
		return
	}

	unregister := d.opts.Tracker.Register(id, sessions.Handle{
		Shutdown: b.Shutdown,
		State:    func() string { return b.State().String() },
	})
	defer unregister()

	if err := b.Run(r.Context()); err != nil && !errors.Is(err, bridge.ErrOriginRejected) {
		d.logger.Warn("realtime session ended with error", "session_id", id, "request_id", requestID(r), "error", err)
	}
}

func requestID(r *http.Request) string {
	id, _ := mw.RequestIDFrom(r.Context())
	return id
}
