package transport

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/spectrelink/internal/util"
)

const (
	sendBufferSize = 64               // outgoing frame queue capacity
	writeWait      = 10 * time.Second // close frame write deadline
)

// outFrame is one queued write. A close frame carries its code and reason
// and signals flushed once it has been written.
type outFrame struct {
	kind    int
	data    []byte
	code    int
	reason  string
	flushed chan struct{}
}

// sender serializes all writes to one websocket connection. gorilla allows a
// single concurrent writer; every data and close frame goes through here so
// ordering is the enqueue order.
type sender struct {
	inbox chan outFrame
}

// newSender starts the background loop. It exits when ctx is cancelled,
// after writing a close frame, or on the first write error (which calls
// onFail).
func newSender(ctx context.Context, ws *websocket.Conn, onFail func(error)) *sender {
	s := &sender{inbox: make(chan outFrame, sendBufferSize)}
	go s.loop(ctx, ws, onFail)
	return s
}

func (s *sender) loop(ctx context.Context, ws *websocket.Conn, onFail func(error)) {
	for {
		select {
		case f := <-s.inbox:
			if f.kind == websocket.CloseMessage {
				deadline := time.Now().Add(writeWait)
				err := ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(f.code, f.reason), deadline)
				if err != nil {
					util.LogDebug("close frame not delivered (code=%d): %v", f.code, err)
				}
				close(f.flushed)
				return
			}

			// No deadline: a paused reader stalls the writer instead of failing it.
			if err := ws.WriteMessage(f.kind, f.data); err != nil {
				onFail(err)
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// send enqueues a frame. It blocks while the queue is full and gives up
// once ctx is cancelled.
func (s *sender) send(ctx context.Context, f outFrame) error {
	if ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case s.inbox <- f:
		return nil
	case <-ctx.Done():
		return ErrClosed
	}
}
