package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/1ureka/spectrelink/internal/secure"
)

var sealed = secure.Sealed{IV: "000102030405060708090a0b", Data: "aGVsbG8="}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		env  Envelope
	}{
		{"handshake", Handshake{Key: sealed, Target: "example.com:443"}},
		{"ready", Ready{}},
		{"data", Data{Payload: sealed}},
		{"ping", Ping{}},
		{"pong", Pong{}},
		{"error", Error{Message: "TCP connection failed: refused"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := Encode(tc.env)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode(%s): %v", frame, err)
			}
			if got != tc.env {
				t.Fatalf("round trip: got %#v, want %#v", got, tc.env)
			}
		})
	}
}

func TestEncodeWireShape(t *testing.T) {
	frame, err := Encode(Data{Payload: sealed})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"data","payload":{"iv":"000102030405060708090a0b","data":"aGVsbG8="}}`
	if string(frame) != want {
		t.Fatalf("frame = %s\nwant    %s", frame, want)
	}

	frame, _ = Encode(Ping{})
	if string(frame) != `{"type":"ping"}` {
		t.Fatalf("ping frame = %s", frame)
	}
}

func TestDecodeRejects(t *testing.T) {
	testCases := []struct {
		name  string
		frame string
		want  error
	}{
		{"unknown tag", `{"type":"hello"}`, ErrUnknownType},
		{"missing tag", `{}`, ErrUnknownType},
		{"not json", `ping`, ErrMalformed},
		{"handshake without key", `{"type":"handshake","target":"a:1"}`, ErrMalformed},
		{"handshake without target", `{"type":"handshake","key":{"iv":"00","data":"AA=="}}`, ErrMalformed},
		{"data without payload", `{"type":"data"}`, ErrMalformed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Decode([]byte(tc.frame))
			if !errors.Is(err, tc.want) {
				t.Fatalf("Decode(%s) = %v, %v; want %v", tc.frame, env, err, tc.want)
			}
		})
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	env, err := Decode([]byte(`{"type":"error","message":"boom","extra":1}`))
	if err != nil {
		t.Fatal(err)
	}
	e, ok := env.(Error)
	if !ok || !strings.Contains(e.Message, "boom") {
		t.Fatalf("got %#v", env)
	}
}
