package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/spectrelink/internal/config"
	"github.com/1ureka/spectrelink/internal/relay"
	"github.com/1ureka/spectrelink/internal/util"
)

const readHeaderTimeout = 10 * time.Second

// RunEntry serves the entry relay until ctx is cancelled.
func RunEntry(ctx context.Context, cfg *config.Config) error {
	master, err := cfg.MasterKey()
	if err != nil {
		return err
	}
	metrics := newMetrics(cfg)

	entry := &relay.Entry{
		Master:          master,
		Suite:           cfg.Suite(),
		ExitURL:         cfg.ExitURL,
		Metrics:         metrics,
		ExitDialTimeout: relay.ExitDialBound(cfg.DialTimeout),
	}

	ln, err := listen(ctx, cfg.RelayListen)
	if err != nil {
		return err
	}
	util.LogSuccess("entry relay listening on %s, forwarding to %s", ln.Addr(), cfg.ExitURL)
	return serveRelay(ctx, ln, relayMux(entry, metrics))
}

// RunExit serves the exit relay until ctx is cancelled.
func RunExit(ctx context.Context, cfg *config.Config) error {
	metrics := newMetrics(cfg)

	exit := &relay.Exit{
		DialTimeout: cfg.DialTimeout,
		Metrics:     metrics,
	}

	ln, err := listen(ctx, cfg.RelayListen)
	if err != nil {
		return err
	}
	util.LogSuccess("exit relay listening on %s", ln.Addr())
	return serveRelay(ctx, ln, relayMux(exit, metrics))
}

func newMetrics(cfg *config.Config) *relay.Metrics {
	if !cfg.MetricsEnabled {
		return nil
	}
	return relay.NewMetrics()
}

// relayMux routes /metrics to the collector when enabled and everything else
// to the relay handler, which owns its own 404/501 answers.
func relayMux(h http.Handler, metrics *relay.Metrics) http.Handler {
	if metrics == nil {
		return h
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", h)
	return mux
}

func listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("relay listen: %w", err)
	}
	return ln, nil
}

// serveRelay runs an HTTP server on ln and closes it when ctx is done.
// Upgraded tunnels are hijacked and end with the process.
func serveRelay(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	context.AfterFunc(ctx, func() {
		_ = srv.Close()
		_ = ln.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay serve: %w", err)
		}
		return nil
	})

	err := g.Wait()
	util.LogInfo("relay shutting down")
	return err
}
