package app

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/spectrelink/internal/config"
	"github.com/1ureka/spectrelink/internal/relay"
	"github.com/1ureka/spectrelink/internal/testutil"
	"github.com/1ureka/spectrelink/internal/tunnel"
)

func listenLocal(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return ln
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.SharedKey = testutil.MasterKeyHex
	cfg.MetricsEnabled = true
	return cfg
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestThreeHopEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	exitLn, entryLn, clientLn := listenLocal(t), listenLocal(t), listenLocal(t)

	cfg := testConfig(t)
	cfg.ExitURL = "ws://" + exitLn.Addr().String()
	cfg.EntryURL = "ws://" + entryLn.Addr().String() + config.TunnelPath

	master, err := cfg.MasterKey()
	if err != nil {
		t.Fatal(err)
	}
	manager := tunnel.NewManager(master, tunnel.Options{EntryURL: cfg.EntryURL, Suite: cfg.Suite()})
	exitMetrics, entryMetrics := relay.NewMetrics(), relay.NewMetrics()

	var g errgroup.Group
	g.Go(func() error {
		return serveRelay(ctx, exitLn, relayMux(&relay.Exit{Metrics: exitMetrics}, exitMetrics))
	})
	g.Go(func() error {
		entry := &relay.Entry{Master: master, Suite: cfg.Suite(), ExitURL: cfg.ExitURL, Metrics: entryMetrics}
		return serveRelay(ctx, entryLn, relayMux(entry, entryMetrics))
	})
	g.Go(func() error { return serveClient(ctx, clientLn, manager, cfg) })

	client, err := txsocks5.NewClient(clientLn.Addr().String(), "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := client.Dial("tcp", echo.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c, c, []byte("hello through three hops"))
	if manager.Len() != 1 {
		t.Errorf("expected 1 live tunnel, got %d", manager.Len())
	}
	c.Close()

	code, body := get(t, "http://"+exitLn.Addr().String()+"/metrics")
	if code != http.StatusOK || !strings.Contains(body, `spectrelink_relay_tunnels_total{result="ok",role="exit"} 1`) {
		t.Errorf("exit metrics: %d %s", code, body)
	}
	code, _ = get(t, "http://"+entryLn.Addr().String()+"/elsewhere")
	if code != http.StatusNotFound {
		t.Errorf("entry unknown route: got %d", code)
	}

	cancel()
	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()
	select {
	case err := <-waitErr:
		if err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("servers did not stop")
	}
}

func TestRelayMuxWithoutMetrics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln := listenLocal(t)
	done := make(chan error, 1)
	go func() { done <- serveRelay(ctx, ln, relayMux(&relay.Exit{}, nil)) }()

	code, _ := get(t, "http://"+ln.Addr().String()+"/metrics")
	if code != http.StatusNotFound {
		t.Fatalf("metrics should be disabled, got %d", code)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestRunFailsOnBusyAddress(t *testing.T) {
	busy := listenLocal(t)
	defer busy.Close()

	cfg := testConfig(t)
	cfg.RelayListen = busy.Addr().String()
	if err := RunExit(context.Background(), cfg); err == nil {
		t.Fatal("RunExit should fail on a busy address")
	}

	addr := busy.Addr().(*net.TCPAddr)
	cfg.ListenHost = addr.IP.String()
	cfg.ListenPort = addr.Port
	cfg.EntryURL = "ws://127.0.0.1:1/tunnel"
	if err := RunClient(context.Background(), cfg); err == nil {
		t.Fatal("RunClient should fail on a busy address")
	}
}

func TestRunEntryRejectsBadKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.SharedKey = "not-a-key"
	if err := RunEntry(context.Background(), cfg); err == nil {
		t.Fatal("RunEntry should reject a malformed key")
	}
}
