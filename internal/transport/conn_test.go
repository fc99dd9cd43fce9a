package transport

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/1ureka/spectrelink/internal/protocol"
)

// startServer runs handle on every accepted Conn and returns a ws:// URL.
func startServer(t *testing.T, handle func(*Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Accept(w, r)
		if err != nil {
			return
		}
		handle(c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(c.Terminate)
	return c
}

func TestEnvelopeEcho(t *testing.T) {
	url := startServer(t, func(c *Conn) {
		defer c.Close(CloseNormal, "")
		for {
			env, err := c.ReadEnvelope()
			if err != nil {
				return
			}
			if _, ok := env.(protocol.Ping); ok {
				c.SendEnvelope(protocol.Pong{})
			}
		}
	})

	c := dial(t, url)
	if err := c.SendEnvelope(protocol.Ping{}); err != nil {
		t.Fatal(err)
	}
	env, err := c.ReadEnvelope()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := env.(protocol.Pong); !ok {
		t.Fatalf("got %#v, want Pong", env)
	}
}

func TestCloseFlushesQueuedFramesFirst(t *testing.T) {
	const frames = 200
	url := startServer(t, func(c *Conn) {
		for i := 0; i < frames; i++ {
			c.SendBinary([]byte{byte(i)})
		}
		c.Close(4001, "done")
	})

	c := dial(t, url)
	for i := 0; i < frames; i++ {
		p, err := c.ReadBinary()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(p, []byte{byte(i)}) {
			t.Fatalf("frame %d out of order: %v", i, p)
		}
	}

	_, err := c.ReadBinary()
	code, reason, ok := CloseStatus(err)
	if !ok || code != 4001 || reason != "done" {
		t.Fatalf("close status = %d %q %v (err %v)", code, reason, ok, err)
	}
}

func TestTerminateSendsNoCloseFrame(t *testing.T) {
	url := startServer(t, func(c *Conn) {
		c.Terminate()
	})

	c := dial(t, url)
	_, err := c.ReadBinary()
	if err == nil {
		t.Fatal("expected read error")
	}
	if IsNormalClose(err) {
		t.Fatalf("abrupt close reported as normal: %v", err)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	url := startServer(t, func(c *Conn) {
		c.ReadBinary()
	})

	c := dial(t, url)
	c.Close(CloseNormal, "")
	<-c.Done()

	if err := c.SendBinary([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendBinary after close: %v", err)
	}
}

func TestDialHandshakeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(ConnectErrorHeader, "refused")
		http.Error(w, "refused: connection refused", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/tunnel?target=x:1")
	var he *HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want *HandshakeError", err)
	}
	if he.StatusCode != http.StatusBadGateway || he.Reason != "refused" {
		t.Fatalf("got %+v", he)
	}
	if !strings.Contains(he.Detail, "connection refused") {
		t.Fatalf("detail = %q", he.Detail)
	}
}

func TestForwardableCode(t *testing.T) {
	testCases := map[int]int{
		CloseNormal: CloseNormal,
		4001:        4001,
		1005:        CloseInternal,
		1006:        CloseInternal,
		0:           CloseInternal,
	}
	for in, want := range testCases {
		if got := ForwardableCode(in); got != want {
			t.Errorf("ForwardableCode(%d) = %d, want %d", in, got, want)
		}
	}
}
