// Package tunnel is the client side of the relay protocol: it opens one
// encrypted tunnel per target through the entry relay, tracks every live
// tunnel, and keeps each one honest with a ping/pong watchdog.
package tunnel

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/spectrelink/internal/protocol"
	"github.com/1ureka/spectrelink/internal/secure"
	"github.com/1ureka/spectrelink/internal/transport"
	"github.com/1ureka/spectrelink/internal/util"
)

// Default watchdog timings.
const (
	DefaultPingInterval = 30 * time.Second
	DefaultPongTimeout  = 45 * time.Second
)

// Options configures a Manager.
type Options struct {
	EntryURL string       // websocket URL of the entry relay's tunnel route
	Suite    secure.Suite // AEAD suite for session keys and data frames

	PingInterval time.Duration // zero means DefaultPingInterval
	PongTimeout  time.Duration // zero means DefaultPongTimeout

	// HandshakeTimeout bounds the wait for ready. Zero means no bound
	// beyond the caller's context.
	HandshakeTimeout time.Duration
}

// Manager creates tunnels and owns the id→Tunnel registry.
type Manager struct {
	master *secure.MasterKey
	opts   Options

	mu      sync.Mutex
	tunnels map[string]*Tunnel
}

// NewManager returns a Manager that seals session keys under master.
func NewManager(master *secure.MasterKey, opts Options) *Manager {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	return &Manager{
		master:  master,
		opts:    opts,
		tunnels: make(map[string]*Tunnel),
	}
}

// Create opens a tunnel to target and waits until the relays confirm the
// outbound connection. On any failure the tunnel is already torn down and
// unregistered when Create returns.
func (m *Manager) Create(ctx context.Context, target string) (*Tunnel, error) {
	key, err := secure.NewSessionKey()
	if err != nil {
		return nil, err
	}
	session, err := secure.NewSession(m.opts.Suite, key)
	if err != nil {
		return nil, err
	}
	sealedKey, err := m.master.SealSessionKey(key)
	if err != nil {
		return nil, err
	}

	t := newTunnel(target, session, m.remove)
	m.register(t)

	if m.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.HandshakeTimeout)
		defer cancel()
	}

	conn, err := transport.Dial(ctx, m.opts.EntryURL)
	if err != nil {
		terr := &TransportError{Op: "dial", Err: err}
		t.fail(terr, true)
		return nil, terr
	}
	if !t.attach(conn) {
		conn.Close(transport.CloseNormal, closeReason)
		return nil, ErrClosed
	}

	go t.readLoop(conn)
	go t.watchdog(conn, m.opts.PingInterval, m.opts.PongTimeout)

	if err := conn.SendEnvelope(protocol.Handshake{Key: sealedKey, Target: target}); err != nil {
		t.fail(&TransportError{Op: "handshake", Err: err}, true)
	}

	select {
	case <-t.ready:
		util.LogDebug("[%s] tunnel ready for %s", t.tag(), target)
		return t, nil
	case <-t.done:
		select {
		case <-t.ready:
			// Reached ready and was closed by the relay before we looked.
			return t, nil
		default:
		}
		if err := t.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	case <-ctx.Done():
		t.fail(&TransportError{Op: "handshake", Err: ctx.Err()}, true)
		if err := t.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	}
}

// Open is Create behind the stream interface the SOCKS5 server consumes.
func (m *Manager) Open(ctx context.Context, target string) (io.ReadWriteCloser, error) {
	t, err := m.Create(ctx, target)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Close tears t down with a normal close code and removes it from the
// registry. It is idempotent.
func (m *Manager) Close(t *Tunnel) error {
	err := t.Close()
	m.remove(t)
	return err
}

// Get looks up a live tunnel by id.
func (m *Manager) Get(id string) (*Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[id]
	return t, ok
}

// Len returns the number of live tunnels.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tunnels)
}

// CloseAll closes every live tunnel.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		all = append(all, t)
	}
	m.mu.Unlock()

	for _, t := range all {
		m.Close(t)
	}
	if len(all) > 0 {
		util.LogInfo("closed %d tunnel(s)", len(all))
	}
}

// register assigns t an id not currently in use and records it.
func (m *Manager) register(t *Tunnel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		id := uuid.NewString()
		if _, taken := m.tunnels[id]; !taken {
			t.id = id
			m.tunnels[id] = t
			return
		}
	}
}

func (m *Manager) remove(t *Tunnel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tunnels[t.id] == t {
		delete(m.tunnels, t.id)
	}
}
