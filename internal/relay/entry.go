package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/spectrelink/internal/protocol"
	"github.com/1ureka/spectrelink/internal/secure"
	"github.com/1ureka/spectrelink/internal/transport"
	"github.com/1ureka/spectrelink/internal/util"
)

const roleEntry = "entry"

// Entry is the hop clients connect to. It unseals each tunnel's session
// key with the master key, opens the exit link for the requested target
// and then re-encrypts in both directions.
type Entry struct {
	Master  *secure.MasterKey
	Suite   secure.Suite
	ExitURL string // websocket URL of the exit relay, without target
	Metrics *Metrics

	// ExitDialTimeout bounds the upgrade to the exit relay, which includes
	// the exit's own TCP connect. It must outlast the exit's dial timeout or
	// the exit's 502 is lost; see ExitDialBound. Zero means no bound.
	ExitDialTimeout time.Duration
}

// ExitReplyMargin is the slack ExitDialBound adds on top of the exit's dial
// timeout for its 502 to travel back.
const ExitReplyMargin = 5 * time.Second

// ExitDialBound returns an entry-side upgrade bound that always lets an
// exit using exitDial report its own connect timeout first.
func ExitDialBound(exitDial time.Duration) time.Duration {
	if exitDial <= 0 {
		exitDial = DefaultDialTimeout
	}
	return exitDial + ExitReplyMargin
}

func (e *Entry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != TunnelPath || !isUpgrade(r) {
		notTunnel(w, r)
		return
	}

	client, err := transport.Accept(w, r)
	if err != nil {
		return
	}
	e.serve(r.Context(), client, uuid.NewString()[:8])
}

// serve runs one tunnel from handshake to teardown.
func (e *Entry) serve(ctx context.Context, client *transport.Conn, id string) {
	env, err := client.ReadEnvelope()
	if err != nil {
		client.Terminate()
		return
	}
	hs, ok := env.(protocol.Handshake)
	if !ok {
		util.LogWarning("[%s] expected handshake, got %s", id, env.Type())
		e.Metrics.tunnel(roleEntry, resultBadRequest)
		client.Close(transport.CloseProtocol, "Expected handshake")
		return
	}

	key, err := e.Master.UnsealSessionKey(hs.Key)
	if err != nil {
		util.LogWarning("[%s] handshake rejected: %v", id, err)
		e.Metrics.tunnel(roleEntry, resultCryptoErr)
		client.Close(transport.CloseInternal, "Internal error: "+err.Error())
		return
	}
	session, err := secure.NewSession(e.Suite, key)
	if err != nil {
		client.Close(transport.CloseInternal, "Internal error: "+err.Error())
		return
	}

	exit, err := e.dialExit(ctx, hs.Target)
	if err != nil {
		var he *transport.HandshakeError
		if errors.As(err, &he) && he.StatusCode == http.StatusBadGateway {
			util.LogWarning("[%s] exit could not reach %s: %s", id, hs.Target, he.Detail)
			e.Metrics.tunnel(roleEntry, resultUpstreamErr)
			client.SendEnvelope(protocol.Error{Message: "TCP connection failed: " + he.Detail})
			client.Close(transport.CloseInternal, "Upstream connect failed")
			return
		}
		util.LogError("[%s] exit relay: %v", id, err)
		e.Metrics.tunnel(roleEntry, resultExitErr)
		client.Close(transport.CloseInternal, "Exit connection error")
		return
	}

	if err := client.SendEnvelope(protocol.Ready{}); err != nil {
		exit.Close(transport.CloseInternal, "Client error")
		return
	}

	e.Metrics.tunnel(roleEntry, resultOK)
	e.Metrics.open(roleEntry)
	defer e.Metrics.closed(roleEntry)

	util.LogDebug("[%s] tunnel to %s ready", id, hs.Target)
	e.bridge(client, exit, session, id)
	util.LogDebug("[%s] tunnel to %s closed", id, hs.Target)
}

func (e *Entry) dialExit(ctx context.Context, target string) (*transport.Conn, error) {
	u, err := url.Parse(e.ExitURL)
	if err != nil {
		return nil, fmt.Errorf("exit url: %w", err)
	}
	q := u.Query()
	q.Set("target", target)
	u.RawQuery = q.Encode()

	if e.ExitDialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.ExitDialTimeout)
		defer cancel()
	}
	return transport.Dial(ctx, u.String())
}

// bridge runs both directions until either link ends. The end of one link
// is forwarded to the other with the same close code where possible.
func (e *Entry) bridge(client, exit *transport.Conn, session *secure.Session, id string) {
	g := errgroup.Group{}

	// client → exit: unseal data envelopes into raw binary frames.
	g.Go(func() error {
		for {
			env, err := client.ReadEnvelope()
			if err != nil {
				if errors.Is(err, protocol.ErrUnknownType) || errors.Is(err, protocol.ErrMalformed) {
					util.LogWarning("[%s] rejected frame: %v", id, err)
					continue
				}
				forwardClose(exit, err)
				client.Terminate()
				return nil
			}

			switch m := env.(type) {
			case protocol.Data:
				plain, err := session.Open(m.Payload)
				if err != nil {
					util.LogWarning("[%s] data frame failed authentication", id)
					client.Close(transport.CloseInternal, "Internal error: "+err.Error())
					exit.Close(transport.CloseInternal, "Upstream error")
					return err
				}
				if err := exit.SendBinary(plain); err != nil {
					client.Close(transport.CloseInternal, "Exit connection error")
					return nil
				}
				e.Metrics.add(roleEntry, dirUpstream, len(plain))

			case protocol.Ping:
				client.SendEnvelope(protocol.Pong{})

			case protocol.Pong:

			default:
				util.LogWarning("[%s] unexpected %s from client", id, env.Type())
			}
		}
	})

	// exit → client: seal raw bytes into data envelopes.
	g.Go(func() error {
		for {
			p, err := exit.ReadBinary()
			if err != nil {
				forwardClose(client, err)
				exit.Terminate()
				return nil
			}
			sealed, err := session.Seal(p)
			if err != nil {
				client.Close(transport.CloseInternal, "Internal error: "+err.Error())
				exit.Close(transport.CloseInternal, "Upstream error")
				return err
			}
			if err := client.SendEnvelope(protocol.Data{Payload: sealed}); err != nil {
				exit.Close(transport.CloseInternal, "Client error")
				return nil
			}
			e.Metrics.add(roleEntry, dirDownstream, len(p))
		}
	})

	if err := g.Wait(); err != nil {
		util.LogDebug("[%s] bridge: %v", id, err)
	}
}

// forwardClose closes to with the close status carried by the read error
// from the other link, or an internal error when the link dropped.
func forwardClose(to *transport.Conn, readErr error) {
	if code, reason, ok := transport.CloseStatus(readErr); ok {
		to.Close(transport.ForwardableCode(code), reason)
		return
	}
	to.Close(transport.CloseInternal, "Peer connection lost")
}
