// Package protocol defines the envelopes exchanged between a client and the
// entry relay. Every envelope travels as one JSON text frame.
package protocol

import "github.com/1ureka/spectrelink/internal/secure"

// Envelope type tags as they appear on the wire.
const (
	TypeHandshake = "handshake"
	TypeReady     = "ready"
	TypeData      = "data"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeError     = "error"
)

// Envelope is one protocol message. The set of implementations is closed;
// receivers switch over the concrete types.
type Envelope interface {
	Type() string
	isEnvelope()
}

// Handshake opens a tunnel: the session key sealed under the master key,
// and the "host:port" the exit relay should connect to. Client to entry only.
type Handshake struct {
	Key    secure.Sealed
	Target string
}

// Ready confirms the outbound connection. Entry to client, once per tunnel.
type Ready struct{}

// Data carries one sealed chunk of stream bytes in either direction.
type Data struct {
	Payload secure.Sealed
}

// Ping and Pong are liveness probes, valid in both directions.
type Ping struct{}
type Pong struct{}

// Error is terminal: the entry relay could not set up the tunnel.
type Error struct {
	Message string
}

func (Handshake) Type() string { return TypeHandshake }
func (Ready) Type() string     { return TypeReady }
func (Data) Type() string      { return TypeData }
func (Ping) Type() string      { return TypePing }
func (Pong) Type() string      { return TypePong }
func (Error) Type() string     { return TypeError }

func (Handshake) isEnvelope() {}
func (Ready) isEnvelope()     {}
func (Data) isEnvelope()      {}
func (Ping) isEnvelope()      {}
func (Pong) isEnvelope()      {}
func (Error) isEnvelope()     {}
