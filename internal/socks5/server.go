package socks5

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	txsocks5 "github.com/txthinking/socks5"
)

// DefaultTimeout bounds the wait for the first byte of each client message.
const DefaultTimeout = 10 * time.Second

// ErrNoAcceptableMethods is returned after replying 05 FF to a client that
// did not offer no-auth.
var ErrNoAcceptableMethods = errors.New("socks5: no acceptable authentication method")

// TimeoutError means the client sent nothing within the timeout at Stage.
// No reply is owed for it.
type TimeoutError struct {
	Stage string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("socks5: timed out waiting for %s", e.Stage)
}

// Negotiate runs the method sub-negotiation on conn, reading through br.
// Only no-auth (0x00) is accepted.
func Negotiate(conn net.Conn, br *bufio.Reader, timeout time.Duration) error {
	head, err := readMessage(conn, br, timeout, "auth", func(b []byte) int {
		if len(b) < 2 {
			return 0
		}
		return 2 + int(b[1])
	})
	if err != nil {
		return err
	}
	if head[0] != Version {
		return protocolErr(StatusGeneralFailure, "unsupported version %#02x in method selection", head[0])
	}

	for _, m := range head[2:] {
		if m == txsocks5.MethodNone {
			if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
				return fmt.Errorf("socks5: negotiation reply: %w", err)
			}
			return nil
		}
	}

	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
	return ErrNoAcceptableMethods
}

// ReadRequest reads and parses one CONNECT request.
func ReadRequest(conn net.Conn, br *bufio.Reader, timeout time.Duration) (*Request, error) {
	buf, err := readMessage(conn, br, timeout, "connect request", requestLen)
	if err != nil {
		return nil, err
	}
	if buf[0] != Version {
		return nil, protocolErr(StatusCommandNotSupported, "unsupported version %#02x", buf[0])
	}
	return ParseRequest(buf)
}

// readMessage waits up to timeout for the first byte, then reads until
// size reports a complete message (size returns 0 while it cannot tell yet).
// The rest of the message gets a fresh window of the same length. A wrong
// version byte stops the read so the caller can reject it at once.
func readMessage(conn net.Conn, br *bufio.Reader, timeout time.Duration, stage string, size func([]byte) int) ([]byte, error) {
	defer conn.SetReadDeadline(time.Time{})

	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	}
	first, err := br.ReadByte()
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{Stage: stage}
		}
		return nil, err
	}
	buf := []byte{first}
	if first != Version {
		return buf, nil
	}

	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	}
	for {
		want := size(buf)
		if want == 0 {
			want = len(buf) + 1
		}
		if len(buf) >= want {
			return buf, nil
		}
		chunk := make([]byte, want-len(buf))
		n, err := io.ReadFull(br, chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			return nil, protocolErr(StatusGeneralFailure, "%s truncated after %d bytes: %v", stage, len(buf), err)
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
