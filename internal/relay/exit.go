package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/spectrelink/internal/transport"
	"github.com/1ureka/spectrelink/internal/util"
)

const roleExit = "exit"

// DefaultDialTimeout bounds the outbound TCP connect.
const DefaultDialTimeout = 10 * time.Second

// Connect failure reasons reported to the entry relay.
const (
	ReasonRefused            = "refused"
	ReasonUnreachable        = "unreachable"
	ReasonNetworkUnreachable = "network-unreachable"
	ReasonTimeout            = "timeout"
)

// Exit is the hop that talks to the target. Each websocket upgrade carries
// ?target=host:port; the TCP connect happens before the upgrade so a
// failure can be answered with a plain 502.
type Exit struct {
	DialTimeout time.Duration
	Metrics     *Metrics

	// Dial overrides the outbound dialer, for tests.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (x *Exit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isUpgrade(r) {
		notTunnel(w, r)
		return
	}

	target := r.URL.Query().Get("target")
	if target == "" {
		x.Metrics.tunnel(roleExit, resultBadRequest)
		http.Error(w, "Missing target", http.StatusBadRequest)
		return
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		x.Metrics.tunnel(roleExit, resultBadRequest)
		http.Error(w, "Invalid target: "+err.Error(), http.StatusBadRequest)
		return
	}

	id := uuid.NewString()[:8]

	tcp, err := x.dial(r.Context(), target)
	if err != nil {
		reason := ConnectReason(err)
		util.LogWarning("[%s] connect %s failed (%s): %v", id, target, reason, err)
		x.Metrics.tunnel(roleExit, resultUpstreamErr)
		w.Header().Set(transport.ConnectErrorHeader, reason)
		http.Error(w, reason+": "+err.Error(), http.StatusBadGateway)
		return
	}

	link, err := transport.Accept(w, r)
	if err != nil {
		tcp.Close()
		return
	}

	x.Metrics.tunnel(roleExit, resultOK)
	x.Metrics.open(roleExit)
	defer x.Metrics.closed(roleExit)

	util.LogDebug("[%s] bridging %s", id, target)
	x.bridge(link, tcp)
	util.LogDebug("[%s] bridge to %s closed", id, target)
}

func (x *Exit) dial(ctx context.Context, target string) (net.Conn, error) {
	timeout := x.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if x.Dial != nil {
		return x.Dial(ctx, "tcp", target)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", target)
}

// bridge copies binary frames to the socket and socket reads to binary
// frames until either side ends; the end of one side closes the other.
func (x *Exit) bridge(link *transport.Conn, tcp net.Conn) {
	g := errgroup.Group{}

	g.Go(func() error {
		defer tcp.Close()
		for {
			p, err := link.ReadBinary()
			if err != nil {
				return nil
			}
			if _, err := tcp.Write(p); err != nil {
				link.Close(transport.CloseInternal, "TCP socket error")
				return err
			}
			x.Metrics.add(roleExit, dirUpstream, len(p))
		}
	})

	g.Go(func() error {
		buf := make([]byte, maxChunkSize)
		for {
			n, err := tcp.Read(buf)
			if n > 0 {
				p := make([]byte, n)
				copy(p, buf[:n])
				if serr := link.SendBinary(p); serr != nil {
					tcp.Close()
					return nil
				}
				x.Metrics.add(roleExit, dirDownstream, n)
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					link.Close(transport.CloseNormal, "TCP socket closed")
				} else {
					link.Close(transport.CloseInternal, "TCP socket error")
				}
				return nil
			}
		}
	})

	g.Wait()
}

// ConnectReason classifies an outbound connect error.
func ConnectReason(err error) string {
	var ne net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return ReasonNetworkUnreachable
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return ReasonTimeout
	default:
		return ReasonUnreachable
	}
}
