package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/1ureka/spectrelink/internal/secure"
)

var (
	// ErrUnknownType is returned for a frame whose type tag is not one of
	// the known envelope types.
	ErrUnknownType = errors.New("protocol: unknown envelope type")

	// ErrMalformed is returned for frames that are not valid JSON or lack a
	// field their type requires.
	ErrMalformed = errors.New("protocol: malformed envelope")
)

// wireEnvelope is the flat JSON shape shared by all envelope types.
type wireEnvelope struct {
	Type    string         `json:"type"`
	Key     *secure.Sealed `json:"key,omitempty"`
	Target  string         `json:"target,omitempty"`
	Payload *secure.Sealed `json:"payload,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Encode serializes an envelope into a single text frame.
func Encode(env Envelope) ([]byte, error) {
	w := wireEnvelope{Type: env.Type()}

	switch e := env.(type) {
	case Handshake:
		w.Key = &e.Key
		w.Target = e.Target
	case Data:
		w.Payload = &e.Payload
	case Error:
		w.Message = e.Message
	case Ready, Ping, Pong:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, env)
	}

	return json.Marshal(w)
}

// Decode parses one text frame.
func Decode(frame []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(frame, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch w.Type {
	case TypeHandshake:
		if w.Key == nil || w.Target == "" {
			return nil, fmt.Errorf("%w: handshake needs key and target", ErrMalformed)
		}
		return Handshake{Key: *w.Key, Target: w.Target}, nil
	case TypeReady:
		return Ready{}, nil
	case TypeData:
		if w.Payload == nil {
			return nil, fmt.Errorf("%w: data without payload", ErrMalformed)
		}
		return Data{Payload: *w.Payload}, nil
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeError:
		return Error{Message: w.Message}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
}
