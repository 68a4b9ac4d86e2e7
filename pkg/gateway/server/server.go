package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/realtime-relay/pkg/gateway/config"
	"github.com/vango-go/realtime-relay/pkg/gateway/handlers"
	"github.com/vango-go/realtime-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/realtime-relay/pkg/gateway/metrics"
	"github.com/vango-go/realtime-relay/pkg/gateway/mw"
	"github.com/vango-go/realtime-relay/pkg/gateway/ratelimit"
	"github.com/vango-go/realtime-relay/pkg/gateway/realtime/bridge"
	"github.com/vango-go/realtime-relay/pkg/gateway/realtime/credential"
	"github.com/vango-go/realtime-relay/pkg/gateway/realtime/dispatch"
	"github.com/vango-go/realtime-relay/pkg/gateway/realtime/origin"
	"github.com/vango-go/realtime-relay/pkg/gateway/realtime/pool"
	"github.com/vango-go/realtime-relay/pkg/gateway/realtime/sessions"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	httpClient *http.Client
	metrics    *metrics.Metrics
	lifecycle  *lifecycle.Lifecycle
	pool       *pool.Pool
	gate       *origin.Gatekeeper
	bridges    *sessions.Tracker
	dispatcher *dispatch.Dispatcher
}

type Option func(*options)

type options struct {
	issuer credential.Issuer
	dialer bridge.Dialer
}

// WithIssuer replaces the HTTP credential issuer.
func WithIssuer(issuer credential.Issuer) Option {
	return func(o *options) { o.issuer = issuer }
}

// WithDialer replaces the upstream websocket dialer.
func WithDialer(dialer bridge.Dialer) Option {
	return func(o *options) { o.dialer = dialer }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	httpClient := &http.Client{
		Timeout: cfg.IssuerTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
		httpClient: httpClient,
		lifecycle:  &lifecycle.Lifecycle{},
		gate:       origin.New(cfg.CORSAllowedOrigins),
		bridges:    sessions.NewTracker(),
	}
	if cfg.MetricsEnabled {
		s.metrics = metrics.New("")
	}

	issuer := o.issuer
	if issuer == nil {
		issuer = credential.NewHTTPIssuer(cfg.OpenAIAPIKey,
			credential.WithBaseURL(cfg.IssuerBaseURL),
			credential.WithModel(cfg.Model),
			credential.WithVoice(cfg.Voice),
			credential.WithHTTPClient(httpClient),
		)
	}
	dialer := o.dialer
	if dialer == nil {
		dialer = bridge.WebsocketDialer{URL: cfg.UpstreamURL, HandshakeTimeout: cfg.UpstreamHandshakeTimeout}
	}

	s.pool = pool.New(issuer, pool.Config{
		TargetSize:     cfg.PoolSize,
		SafetyMargin:   cfg.PoolSafetyMargin,
		MaxEntryAge:    cfg.PoolMaxEntryAge,
		RefillInterval: cfg.PoolRefillInterval,
	},
		pool.WithLogger(logger.With("component", "pool")),
		pool.WithMetrics(s.metrics),
		pool.WithOnWarm(func(st pool.Stats) {
			s.lifecycle.MarkWarmed()
			logger.Info("credential pool warmed", "size", st.Size, "target", st.Target)
		}),
	)

	d, err := dispatch.New(dispatch.Options{
		Path:        cfg.RealtimePath,
		Gate:        s.gate,
		Credentials: s.pool,
		Dialer:      dialer,
		Tracker:     s.bridges,
		Lifecycle:   s.lifecycle,
		Limiter: ratelimit.New(ratelimit.Config{
			ConnectsPerSec:      cfg.LimitConnectsPerSec,
			Burst:               cfg.LimitBurst,
			MaxBridgesPerClient: cfg.LimitMaxBridgesPerClient,
		}),
		Logger:          logger.With("component", "bridge"),
		Metrics:         s.metrics,
		MaxMessageBytes: cfg.MaxMessageBytes,
		Bridge: bridge.Config{
			KeepaliveInterval: cfg.KeepaliveInterval,
			WriteTimeout:      cfg.WriteTimeout,
			WarmingBacklog:    cfg.WarmingBacklog,
			DefaultModel:      cfg.Model,
		},
	})
	if err != nil {
		return nil, err
	}
	s.dispatcher = d

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Pool:      s.pool,
		Lifecycle: s.lifecycle,
		Sessions:  s.bridges,
	})
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}

	path := strings.TrimSuffix(s.dispatcher.Path(), "/")
	if path == "" {
		s.mux.Handle("/", handlers.RealtimeHandler{})
		return
	}
	s.mux.Handle(path, handlers.RealtimeHandler{})
	s.mux.Handle(path+"/", handlers.RealtimeHandler{})
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.dispatcher.Wrap(h)
	h = mw.CORS(s.gate, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// RunPool runs the credential pool worker until ctx is done.
func (s *Server) RunPool(ctx context.Context) error {
	return s.pool.Run(ctx)
}

func (s *Server) Pool() *pool.Pool { return s.pool }

func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

func (s *Server) IsDraining() bool {
	return s.lifecycle.IsDraining()
}

// CloseBridges asks every live bridge to close both legs.
func (s *Server) CloseBridges(code int, reason string) int {
	return s.bridges.CloseAll(code, reason)
}

func (s *Server) ActiveBridges() int {
	return s.bridges.Count()
}

func (s *Server) WaitBridges(ctx context.Context) bool {
	return s.bridges.Wait(ctx)
}
