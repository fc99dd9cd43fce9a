// Package relay implements the two relay hops. Entry terminates the
// client's encrypted tunnel and re-encrypts traffic for it; Exit owns the
// raw TCP connection to the target and bridges it verbatim.
package relay

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// TunnelPath is the route clients open tunnels on.
const TunnelPath = "/tunnel"

const maxChunkSize = 16 * 1024

// notTunnel answers every request that is not a tunnel upgrade.
func notTunnel(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		http.Error(w, "HTTP Proxy not implemented", http.StatusNotImplemented)
		return
	}
	http.Error(w, "Route not supported", http.StatusNotFound)
}

func isUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}
