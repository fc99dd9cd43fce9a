package tunnel

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/spectrelink/internal/protocol"
	"github.com/1ureka/spectrelink/internal/secure"
	"github.com/1ureka/spectrelink/internal/transport"
	"github.com/1ureka/spectrelink/internal/util"
)

// Tuning constants.
const (
	MaxChunkSize      = 16 * 1024 // plaintext bytes per data envelope
	deliveryQueueSize = 64        // decrypted chunks buffered for the reader
)

const closeReason = "Client requested tunnel closure"

// Tunnel is one encrypted stream to a target through the relays. It
// implements io.ReadWriteCloser over the decrypted byte stream.
type Tunnel struct {
	id      string
	target  string
	session *secure.Session
	onEnd   func(*Tunnel)

	mu          sync.Mutex
	state       State
	err         error
	conn        *transport.Conn
	closedLocal bool

	lastLiveness atomic.Int64 // unix nanos of the last pong
	parked       atomic.Bool  // readLoop is waiting for the reader to drain inbox

	ready chan struct{}
	done  chan struct{}
	inbox chan []byte

	pending []byte // unread tail of the last delivered chunk
}

func newTunnel(target string, session *secure.Session, onEnd func(*Tunnel)) *Tunnel {
	return &Tunnel{
		target:  target,
		session: session,
		onEnd:   onEnd,
		state:   Created,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		inbox:   make(chan []byte, deliveryQueueSize),
	}
}

// ID returns the manager-unique tunnel id.
func (t *Tunnel) ID() string { return t.id }

// Target returns the "host:port" the tunnel was opened for.
func (t *Tunnel) Target() string { return t.target }

// State returns the current lifecycle state.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure cause once the tunnel has failed, nil otherwise.
func (t *Tunnel) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the tunnel reaches Closed or Failed.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

func (t *Tunnel) tag() string {
	if len(t.id) > 8 {
		return t.id[:8]
	}
	return t.id
}

// advance moves to a non-terminal state. It reports false if the move is
// not allowed from the current state.
func (t *Tunnel) advance(next State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.canMove(next) {
		return false
	}
	t.state = next
	return true
}

// attach binds the transport and enters Handshaking.
func (t *Tunnel) attach(conn *transport.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.canMove(Handshaking) {
		return false
	}
	t.conn = conn
	t.state = Handshaking
	t.lastLiveness.Store(time.Now().UnixNano())
	return true
}

// finish performs the single terminal transition and returns the attached
// transport, if any.
func (t *Tunnel) finish(state State, err error, local bool) (*transport.Conn, bool) {
	t.mu.Lock()
	if !t.state.canMove(state) {
		t.mu.Unlock()
		return nil, false
	}
	t.state = state
	t.err = err
	t.closedLocal = local
	conn := t.conn
	t.mu.Unlock()

	close(t.done)
	util.Stats.AddClosed()
	if state == Failed {
		util.Stats.AddFailed()
	}
	if t.onEnd != nil {
		t.onEnd(t)
	}
	return conn, true
}

// fail moves the tunnel to Failed. Abrupt failures drop the transport
// without a close frame.
func (t *Tunnel) fail(err error, abrupt bool) {
	conn, ok := t.finish(Failed, err, false)
	if !ok {
		return
	}
	util.LogDebug("[%s] tunnel failed: %v", t.tag(), err)
	if conn == nil {
		return
	}
	if abrupt {
		conn.Terminate()
	} else {
		conn.Close(transport.CloseInternal, "tunnel failed")
	}
}

// Close tears the tunnel down with a normal close code. It is idempotent.
func (t *Tunnel) Close() error {
	conn, ok := t.finish(Closed, nil, true)
	if !ok {
		return nil
	}
	util.LogDebug("[%s] tunnel closed", t.tag())
	if conn != nil {
		return conn.Close(transport.CloseNormal, closeReason)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

// Send seals p into one data envelope. It fails with ErrNotReady unless the
// tunnel is ready and its transport is open.
func (t *Tunnel) Send(p []byte) error {
	t.mu.Lock()
	state, conn := t.state, t.conn
	t.mu.Unlock()

	if state != Ready || conn == nil {
		return ErrNotReady
	}
	select {
	case <-conn.Done():
		return ErrNotReady
	default:
	}

	sealed, err := t.session.Seal(p)
	if err != nil {
		return err
	}
	if err := conn.SendEnvelope(protocol.Data{Payload: sealed}); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrNotReady
		}
		return &TransportError{Op: "send", Err: err}
	}
	util.Stats.AddSent(len(p))
	return nil
}

// Write sends p in chunks of at most MaxChunkSize.
func (t *Tunnel) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(len(p), MaxChunkSize)
		chunk := make([]byte, n)
		copy(chunk, p[:n])
		if err := t.Send(chunk); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// ---------------------------------------------------------------------------
// Receive
// ---------------------------------------------------------------------------

// Read returns decrypted stream bytes in arrival order. After a remote
// close it drains what was already delivered, then returns io.EOF. After a
// local close or a failure, undelivered bytes are discarded.
func (t *Tunnel) Read(p []byte) (int, error) {
	if len(t.pending) == 0 {
		chunk, ok := <-t.inbox
		if !ok {
			return 0, t.readErr()
		}
		t.pending = chunk
	}
	if t.discarding() {
		t.pending = nil
		return 0, t.readErr()
	}
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *Tunnel) discarding() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == Failed || t.closedLocal
}

func (t *Tunnel) readErr() error {
	if err := t.Err(); err != nil {
		return err
	}
	return io.EOF
}

// readLoop is the single consumer of the transport. It owns the inbox and
// closes it on exit.
func (t *Tunnel) readLoop(conn *transport.Conn) {
	defer close(t.inbox)

	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) || errors.Is(err, protocol.ErrMalformed) {
				util.LogWarning("[%s] rejected frame: %v", t.tag(), err)
				continue
			}
			t.transportEnded(err)
			return
		}

		switch e := env.(type) {
		case protocol.Ready:
			if t.advance(Ready) {
				close(t.ready)
				util.Stats.AddOpened()
			}

		case protocol.Data:
			if t.State() != Ready {
				util.LogDebug("[%s] dropped data before ready", t.tag())
				continue
			}
			plain, err := t.session.Open(e.Payload)
			if err != nil {
				t.fail(&CryptoError{Err: err}, false)
				return
			}
			if !t.deliver(plain) {
				return
			}

		case protocol.Ping:
			conn.SendEnvelope(protocol.Pong{})

		case protocol.Pong:
			t.lastLiveness.Store(time.Now().UnixNano())

		case protocol.Error:
			t.fail(&UpstreamConnectError{Message: e.Message}, false)
			return

		case protocol.Handshake:
			util.LogWarning("[%s] rejected handshake sent by relay", t.tag())
		}
	}
}

// deliver hands plain to the reader. While the inbox is full the loop is
// parked: frames behind it, pongs included, stay unread, so the watchdog
// holds off and the pong window restarts once delivery resumes. It reports
// false if the tunnel ended first.
func (t *Tunnel) deliver(plain []byte) bool {
	select {
	case t.inbox <- plain:
		util.Stats.AddRecv(len(plain))
		return true
	default:
	}

	t.parked.Store(true)
	defer t.parked.Store(false)
	select {
	case t.inbox <- plain:
		t.lastLiveness.Store(time.Now().UnixNano())
		util.Stats.AddRecv(len(plain))
		return true
	case <-t.done:
		return false
	}
}

// transportEnded classifies the end of the read side. An orderly close
// after ready closes the tunnel; anything else is a transport failure.
func (t *Tunnel) transportEnded(err error) {
	if t.State() == Ready && transport.IsNormalClose(err) {
		if conn, ok := t.finish(Closed, nil, false); ok && conn != nil {
			conn.Close(transport.CloseNormal, "")
		}
		return
	}
	t.fail(&TransportError{Op: "read", Err: err}, true)
}

// watchdog pings the relay every interval and force-closes the tunnel once
// no pong has arrived for timeout. Ticks while readLoop is parked are
// skipped.
func (t *Tunnel) watchdog(conn *transport.Conn, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if t.parked.Load() {
				continue
			}
			last := time.Unix(0, t.lastLiveness.Load())
			if silent := time.Since(last); silent > timeout {
				util.LogWarning("[%s] no pong for %s, dropping tunnel", t.tag(), silent.Round(time.Millisecond))
				t.fail(&TransportError{Op: "keepalive", Err: errPongTimeout}, true)
				return
			}
			if err := conn.SendEnvelope(protocol.Ping{}); err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}
