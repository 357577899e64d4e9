// Package session implements one conference room: its peers and
// broadcasters, the signaling request handlers and the consumer fan-out
// driven by them.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/voiceroom/internal/core"
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/dkeye/voiceroom/internal/media"
	"github.com/rs/zerolog/log"
)

type Options struct {
	// RequestTimeout bounds every request sent to a peer (newConsumer, newDataConsumer).
	RequestTimeout     time.Duration
	AudioLevel         media.AudioLevelObserverOptions
	MaxIncomingBitrate int
}

func DefaultOptions() Options {
	return Options{
		RequestTimeout: 10 * time.Second,
		AudioLevel:     media.AudioLevelObserverOptions{MaxEntries: 1, Threshold: -80, Interval: 800},
	}
}

// Status is a read-only snapshot of a room.
type Status struct {
	ID           domain.RoomID            `json:"id"`
	CreatedAt    time.Time                `json:"createdAt"`
	Peers        []core.ParticipantStatus `json:"peers"`
	Broadcasters []core.ParticipantStatus `json:"broadcasters"`
}

type Room struct {
	id        domain.RoomID
	router    media.Router
	opts      Options
	createdAt time.Time

	// ctx outlives single requests; it is cancelled on Close so fan-out work stops.
	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	observer media.AudioLevelObserver
	bot      *Bot
	subs     media.Subscriptions
	onClose  media.Signal

	mu           sync.RWMutex
	closed       bool
	peers        map[domain.PeerID]*core.Peer
	broadcasters map[domain.PeerID]*core.Broadcaster
}

// New builds a room around router. The room owns the router from here on,
// except on error, when the caller still has to close it.
func New(ctx context.Context, id domain.RoomID, router media.Router, opts Options) (*Room, error) {
	observer, err := router.CreateAudioLevelObserver(ctx, opts.AudioLevel)
	if err != nil {
		return nil, fmt.Errorf("create audio level observer: %w: %w", domain.ErrEngineFailure, err)
	}
	bot, err := NewBot(ctx, router)
	if err != nil {
		observer.Close()
		return nil, err
	}

	roomCtx, cancel := context.WithCancel(context.Background())
	r := &Room{
		id:           id,
		router:       router,
		opts:         opts,
		createdAt:    time.Now(),
		ctx:          roomCtx,
		cancel:       cancel,
		observer:     observer,
		bot:          bot,
		peers:        make(map[domain.PeerID]*core.Peer),
		broadcasters: make(map[domain.PeerID]*core.Broadcaster),
	}
	r.trackActiveSpeaker()

	log.Info().Str("module", "session.room").Str("room", string(id)).Str("router", router.ID()).Msg("room created")
	return r, nil
}

func (r *Room) ID() domain.RoomID    { return r.id }
func (r *Room) Router() media.Router { return r.router }

func (r *Room) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// OnClose registers fn to run once when the room closes.
func (r *Room) OnClose(fn func()) media.Subscription {
	return r.onClose.Add(fn)
}

// HandleConnection registers a new peer for ch. A live peer with the same id
// is evicted: its channel is closed and it leaves the room.
func (r *Room) HandleConnection(peerID domain.PeerID, ch core.Channel, consume bool) (*core.Peer, error) {
	peer := core.NewPeer(peerID, ch, consume)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, domain.ErrRoomClosed
	}
	old := r.peers[peerID]
	r.peers[peerID] = peer
	r.mu.Unlock()

	if old != nil {
		log.Warn().Str("module", "session.room").Str("room", string(r.id)).Str("peer", string(peerID)).Msg("peer reconnected, closing previous connection")
		old.Channel().Close()
		r.HandlePeerClose(old)
	}
	log.Info().Str("module", "session.room").Str("room", string(r.id)).Str("peer", string(peerID)).Bool("consume", consume).Msg("peer connected")
	return peer, nil
}

// HandlePeerClose is called when a peer's channel is gone. It runs at most
// once per peer.
func (r *Room) HandlePeerClose(peer *core.Peer) {
	r.mu.Lock()
	if r.closed || !peer.MarkClosed() {
		r.mu.Unlock()
		return
	}
	if cur, ok := r.peers[peer.ID()]; ok && cur == peer {
		delete(r.peers, peer.ID())
	}
	empty := len(r.peers) == 0
	others := r.joinedPeersLocked(peer)
	r.mu.Unlock()

	log.Info().Str("module", "session.room").Str("room", string(r.id)).Str("peer", string(peer.ID())).Msg("peer closed")

	if peer.Joined() {
		for _, other := range others {
			other.Notify("peerClosed", map[string]any{"peerId": peer.ID()})
		}
	}
	for _, t := range peer.Links().Close() {
		t.Close()
	}

	if empty {
		log.Info().Str("module", "session.room").Str("room", string(r.id)).Msg("last peer left, closing room")
		r.Close()
	}
}

// Close tears down every peer, broadcaster and the router. Safe to call more than once.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	peers := make([]*core.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	broadcasters := make([]*core.Broadcaster, 0, len(r.broadcasters))
	for _, b := range r.broadcasters {
		broadcasters = append(broadcasters, b)
	}
	r.peers = make(map[domain.PeerID]*core.Peer)
	r.broadcasters = make(map[domain.PeerID]*core.Broadcaster)
	r.mu.Unlock()

	r.cancel()
	r.subs.Unsubscribe()

	for _, p := range peers {
		p.MarkClosed()
		for _, t := range p.Links().Close() {
			t.Close()
		}
		p.Channel().Close()
	}
	for _, b := range broadcasters {
		for _, t := range b.Links().Close() {
			t.Close()
		}
	}
	r.bot.Close()
	r.observer.Close()
	r.router.Close()

	log.Info().Str("module", "session.room").Str("room", string(r.id)).Msg("room closed")
	r.onClose.Emit()
	r.onClose.Clear()
}

func (r *Room) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Status{
		ID:           r.id,
		CreatedAt:    r.createdAt,
		Peers:        make([]core.ParticipantStatus, 0, len(r.peers)),
		Broadcasters: make([]core.ParticipantStatus, 0, len(r.broadcasters)),
	}
	for _, p := range r.peers {
		st.Peers = append(st.Peers, p.Status())
	}
	for _, b := range r.broadcasters {
		st.Broadcasters = append(st.Broadcasters, b.Status())
	}
	return st
}

// Peer returns the registered peer with id.
func (r *Room) Peer(id domain.PeerID) (*core.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// joinedPeers returns every joined peer except exclude.
func (r *Room) joinedPeers(exclude *core.Peer) []*core.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.joinedPeersLocked(exclude)
}

func (r *Room) joinedPeersLocked(exclude *core.Peer) []*core.Peer {
	out := make([]*core.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p != exclude && p.Joined() {
			out = append(out, p)
		}
	}
	return out
}

// participants lists joined peers other than exclude, plus every broadcaster.
func (r *Room) participants(exclude *core.Peer) []core.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Participant, 0, len(r.peers)+len(r.broadcasters))
	for _, p := range r.joinedPeersLocked(exclude) {
		out = append(out, p)
	}
	for _, b := range r.broadcasters {
		out = append(out, b)
	}
	return out
}

// announcePeer sends newPeer for peer unless it already left. The room lock
// orders it before the peerClosed of the same peer.
func (r *Room) announcePeer(peer *core.Peer) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || peer.Closed() {
		return
	}
	info := peer.Info()
	for _, p := range r.joinedPeersLocked(peer) {
		p.Notify("newPeer", info)
	}
}

func (r *Room) notifyJoined(exclude *core.Peer, method string, data any) {
	for _, p := range r.joinedPeers(exclude) {
		p.Notify(method, data)
	}
}

// spawn runs fn on its own goroutine bound to the room lifetime.
func (r *Room) spawn(fn func(ctx context.Context)) {
	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		fn(r.ctx)
	}()
}

func (r *Room) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opts.RequestTimeout)
}
