package socks5

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

// Version is the only protocol version accepted.
const Version byte = 0x05

// Commands. Only CONNECT is served.
const (
	CmdConnect      = txsocks5.CmdConnect
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// Address types.
const (
	AddrIPv4   = txsocks5.ATYPIPv4
	AddrDomain = txsocks5.ATYPDomain
	AddrIPv6   = txsocks5.ATYPIPv6
)

// Reply statuses (RFC 1928 §6).
const (
	StatusSucceeded           byte = txsocks5.RepSuccess
	StatusGeneralFailure      byte = 0x01
	StatusNotAllowed          byte = 0x02
	StatusNetworkUnreachable  byte = 0x03
	StatusHostUnreachable     byte = txsocks5.RepHostUnreachable
	StatusConnectionRefused   byte = txsocks5.RepConnectionRefused
	StatusTTLExpired          byte = 0x06
	StatusCommandNotSupported byte = txsocks5.RepCommandNotSupported
	StatusAddressNotSupported byte = 0x08
)

// ProtocolError is a malformed or unsupported SOCKS5 message. Status is the
// reply the server should send before closing.
type ProtocolError struct {
	Reason string
	Status byte
}

func (e *ProtocolError) Error() string { return "socks5: " + e.Reason }

func protocolErr(status byte, format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...), Status: status}
}

// StatusOf maps an error returned by this package to a reply status.
// Anything that is not a ProtocolError is a general failure.
func StatusOf(err error) byte {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Status
	}
	return StatusGeneralFailure
}

// Request is a parsed CONNECT request.
type Request struct {
	Command byte
	ATYP    byte
	Host    string
	Port    uint16
}

// Target is the "host:port" form forwarded to the exit relay.
func (r *Request) Target() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

const headerLen = 4 // VER CMD RSV ATYP

// ParseRequest decodes a complete request. Checks run in wire order: length
// of the fixed header, version, command, address type, address length, port.
func ParseRequest(buf []byte) (*Request, error) {
	if len(buf) < headerLen {
		return nil, protocolErr(StatusGeneralFailure, "request too short: %d bytes", len(buf))
	}
	if buf[0] != Version {
		return nil, protocolErr(StatusCommandNotSupported, "unsupported version %#02x", buf[0])
	}
	if buf[1] != CmdConnect {
		return nil, protocolErr(StatusCommandNotSupported, "unsupported command %#02x", buf[1])
	}

	req := &Request{Command: buf[1], ATYP: buf[3]}
	rest := buf[headerLen:]

	var addrLen int
	switch req.ATYP {
	case AddrIPv4:
		addrLen = net.IPv4len
	case AddrIPv6:
		addrLen = net.IPv6len
	case AddrDomain:
		if len(rest) < 1 {
			return nil, protocolErr(StatusGeneralFailure, "missing domain length")
		}
		addrLen = int(rest[0])
		rest = rest[1:]
		if addrLen == 0 {
			return nil, protocolErr(StatusGeneralFailure, "empty domain")
		}
	default:
		return nil, protocolErr(StatusAddressNotSupported, "unsupported address type %#02x", req.ATYP)
	}

	if len(rest) < addrLen+2 {
		return nil, protocolErr(StatusGeneralFailure, "request truncated in address")
	}

	addr := rest[:addrLen]
	switch req.ATYP {
	case AddrIPv4:
		req.Host = netip.AddrFrom4([4]byte(addr)).String()
	case AddrIPv6:
		req.Host = FormatIPv6([16]byte(addr))
	case AddrDomain:
		req.Host = string(addr)
	}

	req.Port = binary.BigEndian.Uint16(rest[addrLen:])
	if req.Port == 0 {
		return nil, protocolErr(StatusGeneralFailure, "port out of range")
	}
	return req, nil
}

// requestLen reports the total length of a request given its first bytes,
// or 0 when more bytes are needed to tell.
func requestLen(head []byte) int {
	if len(head) < headerLen {
		return 0
	}
	switch head[3] {
	case AddrIPv4:
		return headerLen + net.IPv4len + 2
	case AddrIPv6:
		return headerLen + net.IPv6len + 2
	case AddrDomain:
		if len(head) < headerLen+1 {
			return 0
		}
		return headerLen + 1 + int(head[headerLen]) + 2
	default:
		return headerLen
	}
}

// FormatIPv6 renders all eight groups as four hex digits, with no zero-run
// compression, so the text form is unique per address.
func FormatIPv6(b [16]byte) string {
	var sb bytes.Buffer
	for i := 0; i < 16; i += 2 {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%02x%02x", b[i], b[i+1])
	}
	return sb.String()
}

// EncodeReply builds a reply frame echoing the given bound address. If the
// address cannot be encoded in atyp, the reply falls back to IPv4 0.0.0.0:0.
func EncodeReply(status, atyp byte, host string, port uint16) []byte {
	rep, err := newReply(status, atyp, host, port)
	if err != nil {
		rep = txsocks5.NewReply(status, AddrIPv4, []byte{0, 0, 0, 0}, []byte{0, 0})
	}
	var buf bytes.Buffer
	_, _ = rep.WriteTo(&buf)
	return buf.Bytes()
}

// ZeroReply is a reply with an all-zero bound address in the request's
// family. Domain requests get an IPv4 zero address.
func ZeroReply(status, atyp byte) []byte {
	if atyp == AddrIPv6 {
		return EncodeReply(status, AddrIPv6, "::", 0)
	}
	return EncodeReply(status, AddrIPv4, "0.0.0.0", 0)
}

func newReply(status, atyp byte, host string, port uint16) (*txsocks5.Reply, error) {
	p := binary.BigEndian.AppendUint16(nil, port)

	switch atyp {
	case AddrIPv4:
		ip, err := netip.ParseAddr(host)
		if err != nil || !ip.Unmap().Is4() {
			return nil, fmt.Errorf("not an IPv4 address: %q", host)
		}
		a := ip.Unmap().As4()
		return txsocks5.NewReply(status, atyp, a[:], p), nil
	case AddrIPv6:
		ip, err := netip.ParseAddr(host)
		if err != nil || !ip.Is6() {
			return nil, fmt.Errorf("not an IPv6 address: %q", host)
		}
		a := ip.As16()
		return txsocks5.NewReply(status, atyp, a[:], p), nil
	case AddrDomain:
		if len(host) == 0 || len(host) > 255 {
			return nil, fmt.Errorf("domain length %d out of range", len(host))
		}
		return txsocks5.NewReply(status, atyp, []byte(host), p), nil
	default:
		return nil, fmt.Errorf("unknown address type %#02x", atyp)
	}
}
