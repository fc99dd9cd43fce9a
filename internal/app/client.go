// Package app wires configuration into the running components of each role.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/1ureka/spectrelink/internal/adapter"
	"github.com/1ureka/spectrelink/internal/config"
	"github.com/1ureka/spectrelink/internal/tunnel"
	"github.com/1ureka/spectrelink/internal/util"
)

// RunClient orchestrates the local proxy lifecycle:
//  1. Build the tunnel manager from the master key
//  2. Bind the SOCKS5 listener
//  3. Serve connections until ctx is cancelled
//  4. Close every live socket and tunnel
func RunClient(ctx context.Context, cfg *config.Config) error {
	// ── 1. Tunnel manager ──────────────────────────────────────────────
	master, err := cfg.MasterKey()
	if err != nil {
		return err
	}
	manager := tunnel.NewManager(master, tunnel.Options{
		EntryURL:         cfg.EntryURL,
		Suite:            cfg.Suite(),
		PingInterval:     cfg.PingInterval,
		PongTimeout:      cfg.PongTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})
	defer manager.CloseAll()

	// ── 2. Listener ────────────────────────────────────────────────────
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("socks5 listen: %w", err)
	}

	return serveClient(ctx, ln, manager, cfg)
}

func serveClient(ctx context.Context, ln net.Listener, manager *tunnel.Manager, cfg *config.Config) error {
	srv := &adapter.Server{
		Opener:             manager,
		NegotiationTimeout: cfg.NegotiationTimeout,
	}
	defer srv.Close()

	util.StartStatsReporter(ctx)
	util.LogSuccess("SOCKS5 proxy listening on %s, tunnelling via %s", ln.Addr(), cfg.EntryURL)

	// ── 3. Serve ───────────────────────────────────────────────────────
	err := srv.Serve(ctx, ln)
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	// ── 4. Shutdown ────────────────────────────────────────────────────
	util.LogInfo("shutting down, closing %d active tunnel(s)", manager.Len())
	return err
}
