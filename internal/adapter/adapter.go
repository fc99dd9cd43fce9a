// Package adapter is the local SOCKS5 front end. Each accepted connection
// is negotiated, its CONNECT target is opened as a tunnel, and the socket
// and tunnel are then bridged until either side ends.
package adapter

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/1ureka/spectrelink/internal/socks5"
	"github.com/1ureka/spectrelink/internal/tunnel"
	"github.com/1ureka/spectrelink/internal/util"
)

// Opener opens a byte stream to a "host:port" target. Open blocks until
// the stream is usable or has failed.
type Opener interface {
	Open(ctx context.Context, target string) (io.ReadWriteCloser, error)
}

// Server accepts SOCKS5 clients and serves each on its own Socket.
type Server struct {
	Opener             Opener
	NegotiationTimeout time.Duration // per-message first-byte timeout; zero means socks5.DefaultTimeout

	mu     sync.Mutex
	routes map[*Socket]struct{}
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
// Cancelling ctx also tears down every live socket.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	timeout := s.NegotiationTimeout
	if timeout <= 0 {
		timeout = socks5.DefaultTimeout
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		sock := newSocket(ctx, conn, s.Opener, timeout)
		util.LogDebug("[%08x] new connection from %s", sock.id, conn.RemoteAddr())
		s.register(sock)
		go sock.run()
	}
}

// register adds a socket to the route table and removes it again once the
// socket's context is done.
func (s *Server) register(sock *Socket) {
	s.mu.Lock()
	if s.routes == nil {
		s.routes = make(map[*Socket]struct{})
	}
	s.routes[sock] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-sock.ctx.Done()
		s.mu.Lock()
		delete(s.routes, sock)
		s.mu.Unlock()
	}()
}

// Active returns the number of live sockets.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.routes)
}

// Close tears down every live socket.
func (s *Server) Close() {
	s.mu.Lock()
	all := make([]*Socket, 0, len(s.routes))
	for sock := range s.routes {
		all = append(all, sock)
	}
	s.mu.Unlock()

	for _, sock := range all {
		sock.cleanup()
	}
}

// replyStatus maps a failure to open the tunnel to a SOCKS5 reply.
func replyStatus(err error) byte {
	var ue *tunnel.UpstreamConnectError
	if errors.As(err, &ue) {
		return socks5.StatusHostUnreachable
	}
	return socks5.StatusGeneralFailure
}
