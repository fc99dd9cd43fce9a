package adapter

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/spectrelink/internal/socks5"
	"github.com/1ureka/spectrelink/internal/util"
)

// Socket holds the lifecycle of one accepted SOCKS5 connection.
type Socket struct {
	id uint32

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	conn    net.Conn
	opener  Opener
	timeout time.Duration

	mu     sync.Mutex
	stream io.ReadWriteCloser // set once the tunnel is open
}

func newSocket(parent context.Context, conn net.Conn, opener Opener, timeout time.Duration) *Socket {
	ctx, cancel := context.WithCancel(parent)
	s := &Socket{
		id:      util.ConnID(conn),
		ctx:     ctx,
		cancel:  cancel,
		conn:    conn,
		opener:  opener,
		timeout: timeout,
	}
	context.AfterFunc(ctx, s.cleanup)
	return s
}

// run drives negotiation, the CONNECT request and the tunnel open, then
// bridges. Every failure after a request was parsed writes exactly one
// error reply.
func (s *Socket) run() {
	defer s.cleanup()

	br := bufio.NewReader(s.conn)

	if err := socks5.Negotiate(s.conn, br, s.timeout); err != nil {
		util.LogDebug("[%08x] negotiation failed: %v", s.id, err)
		return
	}

	req, err := socks5.ReadRequest(s.conn, br, s.timeout)
	if err != nil {
		var pe *socks5.ProtocolError
		if errors.As(err, &pe) {
			s.conn.Write(socks5.ZeroReply(pe.Status, socks5.AddrIPv4))
		}
		util.LogDebug("[%08x] bad request: %v", s.id, err)
		return
	}

	target := req.Target()
	stream, err := s.opener.Open(s.ctx, target)
	if err != nil {
		s.conn.Write(socks5.ZeroReply(replyStatus(err), req.ATYP))
		util.LogWarning("[%08x] tunnel to %s failed: %v", s.id, target, err)
		return
	}
	if !s.attach(stream) {
		stream.Close()
		return
	}

	if _, err := s.conn.Write(socks5.ZeroReply(socks5.StatusSucceeded, req.ATYP)); err != nil {
		return
	}
	util.LogInfo("[%08x] connected to %s", s.id, target)

	s.bridge(br, stream)
}

// attach records the open stream unless the socket is already shutting
// down.
func (s *Socket) attach(stream io.ReadWriteCloser) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.stream = stream
	return true
}

// bridge copies in both directions; whichever side ends first tears down
// both.
func (s *Socket) bridge(br *bufio.Reader, stream io.ReadWriter) {
	g := errgroup.Group{}

	g.Go(func() error {
		defer s.cleanup()
		_, err := io.Copy(stream, br)
		return err
	})

	g.Go(func() error {
		defer s.cleanup()
		_, err := io.Copy(s.conn, stream)
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		util.LogDebug("[%08x] bridge: %v", s.id, err)
	}
}

// cleanup releases the socket and its tunnel exactly once, whichever
// goroutine gets here first.
func (s *Socket) cleanup() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.cancel()
		stream := s.stream
		s.mu.Unlock()

		s.conn.Close()
		if stream != nil {
			stream.Close()
		}
		util.LogDebug("[%08x] socket closed", s.id)
	})
}
