package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voiceroom/internal/app"
	"github.com/dkeye/voiceroom/internal/app/session"
	"github.com/dkeye/voiceroom/internal/media"
	"github.com/dkeye/voiceroom/internal/media/mediatest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("fake conn closed")

// fakeConn is a scripted websocket: the test writes into in and reads
// what the server wrote from out.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	default:
	}
	select {
	case b := <-c.in:
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	case c.out <- data:
		return nil
	}
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetReadLimit(int64)                        {}
func (c *fakeConn) SetPongHandler(func(string) error)         {}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// push sends a raw client message.
func (c *fakeConn) push(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	c.in <- b
}

// next returns the next message the server wrote.
func (c *fakeConn) next(t *testing.T) frame {
	t.Helper()
	select {
	case b := <-c.out:
		f, err := decodeFrame(b)
		require.NoError(t, err)
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no message from server")
		return frame{}
	}
}

// request sends a client request and waits for its response, skipping
// notifications.
func (c *fakeConn) request(t *testing.T, id uint32, method string, data any) frame {
	t.Helper()
	c.push(t, map[string]any{"request": true, "id": id, "method": method, "data": data})
	for {
		f := c.next(t)
		if f.Response && f.ID == id {
			return f
		}
	}
}

var opus = media.RTPCodecCapability{Kind: media.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 100, ClockRate: 48000, Channels: 2}

func newTestServer(t *testing.T, opts Options) (*Server, *app.Registry) {
	t.Helper()
	reg := app.NewRegistry(mediatest.NewEngine(), app.RegistryOptions{
		MediaCodecs: []media.RTPCodecCapability{opus},
		Room:        session.DefaultOptions(),
	})
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	return NewServer(reg, app.SimplePolicy{}, opts), reg
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.PingPeriod = 0
	return opts
}
