package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/realtime-relay/internal/dotenv"
	"github.com/vango-go/realtime-relay/pkg/gateway/config"
	gatewayserver "github.com/vango-go/realtime-relay/pkg/gateway/server"
)

const shutdownReason = "server shutting down"

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	newGateway   func(config.Config, *slog.Logger) (*gatewayserver.Server, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.LoadFromEnv,
		newGateway: func(cfg config.Config, logger *slog.Logger) (*gatewayserver.Server, error) {
			return gatewayserver.New(cfg, logger)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runRelay(ctx context.Context, logger *slog.Logger, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, err := deps.newGateway(cfg, logger)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting realtime relay",
		"addr", cfg.Addr,
		"realtime_path", cfg.RealtimePath,
		"pool_size", cfg.PoolSize,
		"origins_restricted", len(cfg.CORSAllowedOrigins) > 0,
	)

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	poolCtx, stopPool := context.WithCancel(gctx)
	defer stopPool()

	g.Go(func() error {
		return gw.RunPool(poolCtx)
	})
	g.Go(func() error {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer stopPool()

		select {
		case <-gctx.Done():
			// Listener failure or caller cancellation; nothing left to drain.
			_ = httpSrv.Close()
			gw.CloseBridges(websocket.CloseGoingAway, shutdownReason)
			return ctx.Err()
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
		}

		return drain(logger, cfg, gw, httpSrv)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("realtime relay stopped")
	return nil
}

func drain(logger *slog.Logger, cfg config.Config, gw *gatewayserver.Server, httpSrv *http.Server) error {
	gw.SetDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	// Hijacked websocket conns are invisible to Shutdown.
	if n := gw.CloseBridges(websocket.CloseGoingAway, shutdownReason); n > 0 {
		logger.Info("closing live bridges", "count", n)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitBridges(waitCtx) {
		logger.Warn("bridges still open after grace period", "remaining", gw.ActiveBridges())
	}
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "realtime-relay: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "realtime-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
