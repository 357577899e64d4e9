package signal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/voiceroom/internal/app"
	"github.com/dkeye/voiceroom/internal/app/session"
	"github.com/dkeye/voiceroom/internal/core"
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Options struct {
	SendBuffer   int
	ReadLimit    int64
	PingPeriod   time.Duration
	RateLimit    int
	RateInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:   64,
		ReadLimit:    1 << 20,
		PingPeriod:   30 * time.Second,
		RateLimit:    50,
		RateInterval: time.Second,
	}
}

// Server binds websocket connections to rooms of a registry.
type Server struct {
	registry *app.Registry
	policy   app.Policy
	limiter  *RateLimiter
	opts     Options
}

func NewServer(registry *app.Registry, policy app.Policy, opts Options) *Server {
	return &Server{
		registry: registry,
		policy:   policy,
		limiter:  NewRateLimiter(opts.RateLimit, opts.RateInterval),
		opts:     opts,
	}
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{"protoo"},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

// Upgrade switches an HTTP request to a websocket and serves it until the
// peer disconnects.
func (s *Server) Upgrade(ctx context.Context, w http.ResponseWriter, r *http.Request, roomID domain.RoomID, peerID domain.PeerID, consume bool) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if err := s.Serve(ctx, ws, roomID, peerID, consume); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("room", string(roomID)).Str("peer", string(peerID)).Msg("connection refused")
	}
}

// Serve joins conn to the room as peerID and blocks until the connection
// ends. The room is created on first use.
func (s *Server) Serve(ctx context.Context, conn Conn, roomID domain.RoomID, peerID domain.PeerID, consume bool) error {
	ch := newChannel(peerID, conn, s.policy, s.opts.SendBuffer)
	room, peer, err := s.registry.Connect(ctx, roomID, peerID, ch, consume)
	if err != nil {
		ch.Close()
		return fmt.Errorf("room %s: %w", roomID, err)
	}
	log.Info().Str("module", "signal").Str("room", string(roomID)).Str("peer", string(peerID)).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	requests := make(chan frame, s.opts.SendBuffer+1)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ch.writePump(ctx, s.opts.PingPeriod)
	}()
	go func() {
		defer wg.Done()
		s.handleRequests(ctx, room, peer, ch, requests)
	}()

	pongWait := time.Duration(0)
	if s.opts.PingPeriod > 0 {
		pongWait = s.opts.PingPeriod * 2
	}
	ch.readPump(s.opts.ReadLimit, pongWait, func(f frame) {
		if !s.limiter.Allow(peerID) {
			s.reject(ch, f.ID, http.StatusTooManyRequests, "too many requests")
			return
		}
		select {
		case requests <- f:
		default:
			s.reject(ch, f.ID, http.StatusTooManyRequests, "too many pending requests")
		}
	})

	log.Info().Str("module", "signal").Str("room", string(roomID)).Str("peer", string(peerID)).Msg("readPump closing")
	cancel()
	close(requests)
	wg.Wait()
	s.limiter.Forget(peerID)
	room.HandlePeerClose(peer)
	return nil
}

// handleRequests runs one peer's requests in arrival order. It is separate
// from the read pump so responses to outbound requests keep flowing while a
// handler waits on one.
func (s *Server) handleRequests(ctx context.Context, room *session.Room, peer *core.Peer, ch *Channel, requests <-chan frame) {
	for f := range requests {
		if ctx.Err() != nil {
			continue
		}
		res := &responder{ch: ch, id: f.ID}
		err := room.HandleRequest(ctx, peer, core.Request{Method: f.Method, Data: f.Data}, res)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("room", string(room.ID())).Str("peer", string(peer.ID())).Str("method", f.Method).Msg("request failed")
			res.Reject(domain.Code(err), err.Error())
		}
	}
}

func (s *Server) reject(ch *Channel, id uint32, code int, reason string) {
	res := &responder{ch: ch, id: id}
	res.Reject(code, reason)
}

// responder answers one inbound request; later answers are ignored.
type responder struct {
	ch   *Channel
	id   uint32
	once sync.Once
}

func (r *responder) Accept(data any) {
	r.once.Do(func() {
		b, err := encodeSuccess(r.id, data)
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Uint32("id", r.id).Msg("encode response")
			b, _ = encodeError(r.id, http.StatusInternalServerError, err.Error())
		}
		r.ch.respond(b)
	})
}

func (r *responder) Reject(code int, reason string) {
	r.once.Do(func() {
		b, err := encodeError(r.id, code, reason)
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Uint32("id", r.id).Msg("encode response")
			return
		}
		r.ch.respond(b)
	})
}
