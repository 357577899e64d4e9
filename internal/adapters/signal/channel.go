package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/voiceroom/internal/app"
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

const writeWait = 5 * time.Second

// Conn is the part of *websocket.Conn the channel uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

type result struct {
	data json.RawMessage
	err  error
}

// Channel is one peer's signaling connection. It implements core.Channel.
type Channel struct {
	peerID domain.PeerID
	conn   Conn
	policy app.Policy
	send   chan []byte
	done   chan struct{}

	nextID  atomic.Uint32
	pendMu  sync.Mutex
	pending map[uint32]chan result

	mu     sync.RWMutex
	closed bool
}

func newChannel(peerID domain.PeerID, conn Conn, policy app.Policy, buffer int) *Channel {
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	if buffer <= 0 {
		buffer = 32
	}
	return &Channel{
		peerID:  peerID,
		conn:    conn,
		policy:  policy,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
		pending: make(map[uint32]chan result),
	}
}

// Request sends a request to the peer and waits for its response.
func (c *Channel) Request(ctx context.Context, method string, data any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	b, err := encodeRequest(id, method, data)
	if err != nil {
		return nil, err
	}

	wait := make(chan result, 1)
	c.pendMu.Lock()
	c.pending[id] = wait
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	if err := c.enqueue(b, app.KindRequest); err != nil {
		return nil, err
	}
	select {
	case res := <-wait:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Channel) Notify(method string, data any) error {
	b, err := encodeNotification(method, data)
	if err != nil {
		return err
	}
	return c.enqueue(b, app.KindNotification)
}

func (c *Channel) respond(b []byte) {
	if err := c.enqueue(b, app.KindResponse); err != nil {
		log.Debug().Str("module", "signal").Str("peer", string(c.peerID)).Err(err).Msg("response dropped")
	}
}

func (c *Channel) resolve(f frame) {
	c.pendMu.Lock()
	wait, ok := c.pending[f.ID]
	c.pendMu.Unlock()
	if !ok {
		log.Warn().Str("module", "signal").Str("peer", string(c.peerID)).Uint32("id", f.ID).Msg("response to unknown request")
		return
	}
	res := result{data: f.Data}
	if !f.OK {
		res = result{err: &RequestError{Code: f.ErrorCode, Reason: f.ErrorReason}}
	}
	select {
	case wait <- res:
	default:
	}
}

func (c *Channel) trySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

// enqueue queues b for the write pump and applies the policy when the
// queue is full.
func (c *Channel) enqueue(b []byte, kind app.MessageKind) error {
	err := c.trySend(b)
	if !errors.Is(err, ErrBackpressure) {
		return err
	}
	switch action := c.policy.OnBackpressure(c.peerID, kind); action {
	case app.KickPeer:
		log.Warn().Str("module", "signal").Str("peer", string(c.peerID)).Str("kind", string(kind)).Msg("send queue full, closing connection")
		c.Close()
	case app.DropMessage:
		log.Debug().Str("module", "signal").Str("peer", string(c.peerID)).Str("kind", string(kind)).Msg("send queue full, message dropped")
	}
	return err
}

// Close is idempotent. Pending requests fail with ErrClosed.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	close(c.done)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) writePump(ctx context.Context, pingPeriod time.Duration) {
	var ping <-chan time.Time
	if pingPeriod > 0 {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Str("module", "signal").Str("peer", string(c.peerID)).Err(err).Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("peer", string(c.peerID)).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("peer", string(c.peerID)).Msg("writePump write error")
				return
			}
		}
	}
}

// readPump reads until the connection fails. Requests are handed to
// onRequest, responses resolve pending calls.
func (c *Channel) readPump(readLimit int64, pongWait time.Duration, onRequest func(frame)) {
	defer c.Close()

	if readLimit > 0 {
		c.conn.SetReadLimit(readLimit)
	}
	if pongWait > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("peer", string(c.peerID)).Msg("readPump read error")
			}
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("peer", string(c.peerID)).Msg("bad message")
			continue
		}
		switch {
		case f.Request:
			onRequest(f)
		case f.Response:
			c.resolve(f)
		case f.Notification:
			log.Debug().Str("module", "signal").Str("peer", string(c.peerID)).Str("method", f.Method).Msg("notification ignored")
		}
	}
}
