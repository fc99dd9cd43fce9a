package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/1ureka/spectrelink/internal/relay"
	"github.com/1ureka/spectrelink/internal/secure"
)

// MasterKeyHex is the shared key used by relay fixtures.
const MasterKeyHex = "8f1e2d3c4b5a69788796a5b4c3d2e1f00f1e2d3c4b5a69788796a5b4c3d2e1f0"

// Relays is a running entry/exit pair on loopback.
type Relays struct {
	Master   *secure.MasterKey
	EntryURL string // ws:// URL of the entry tunnel route
	ExitURL  string // ws:// URL of the exit relay
	Metrics  *relay.Metrics

	EntryHTTP string // http:// base of the entry relay
	ExitHTTP  string // http:// base of the exit relay
}

// StartRelays serves an Entry and an Exit sharing one Metrics.
func StartRelays(t *testing.T) *Relays {
	t.Helper()
	return StartRelaysWith(t, &relay.Exit{}, &relay.Entry{})
}

// StartRelaysWith serves the given relays. Master, Suite, ExitURL and
// Metrics are filled in; timeouts and dialers are left as passed.
func StartRelaysWith(t *testing.T, exit *relay.Exit, entry *relay.Entry) *Relays {
	t.Helper()

	master, err := secure.ParseMasterKey(MasterKeyHex, secure.AES256GCM)
	if err != nil {
		t.Fatal(err)
	}
	metrics := relay.NewMetrics()

	exit.Metrics = metrics
	exitSrv := httptest.NewServer(exit)
	t.Cleanup(exitSrv.Close)

	entry.Master = master
	entry.Suite = secure.AES256GCM
	entry.ExitURL = WebSocketURL(exitSrv.URL) + "/tunnel"
	entry.Metrics = metrics

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", entry)
	entrySrv := httptest.NewServer(mux)
	t.Cleanup(entrySrv.Close)

	return &Relays{
		Master:    master,
		EntryURL:  WebSocketURL(entrySrv.URL) + relay.TunnelPath,
		ExitURL:   entry.ExitURL,
		Metrics:   metrics,
		EntryHTTP: entrySrv.URL,
		ExitHTTP:  exitSrv.URL,
	}
}

// WebSocketURL turns an http(s) base URL into its ws(s) form.
func WebSocketURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}
