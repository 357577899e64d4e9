package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/voiceroom/internal/app/session"
	"github.com/dkeye/voiceroom/internal/core"
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/dkeye/voiceroom/internal/media"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type RegistryOptions struct {
	MediaCodecs []media.RTPCodecCapability
	Room        session.Options
}

// Registry owns the live rooms, keyed by room id.
type Registry struct {
	engine media.Engine
	opts   RegistryOptions
	group  singleflight.Group

	// lookup is GetOrCreate; tests replace it to stage a room closing early.
	lookup func(ctx context.Context, id domain.RoomID) (*session.Room, error)

	mu     sync.RWMutex
	closed bool
	rooms  map[domain.RoomID]*session.Room
}

func NewRegistry(engine media.Engine, opts RegistryOptions) *Registry {
	r := &Registry{
		engine: engine,
		opts:   opts,
		rooms:  make(map[domain.RoomID]*session.Room),
	}
	r.lookup = r.GetOrCreate
	return r
}

// Connect registers ch as peerID in room id, creating the room on first use.
// A room that closes between lookup and registration is replaced once.
func (r *Registry) Connect(ctx context.Context, id domain.RoomID, peerID domain.PeerID, ch core.Channel, consume bool) (*session.Room, *core.Peer, error) {
	for attempt := 0; ; attempt++ {
		room, err := r.lookup(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		peer, err := room.HandleConnection(peerID, ch, consume)
		if errors.Is(err, domain.ErrRoomClosed) && attempt == 0 {
			log.Debug().Str("module", "app.registry").Str("room", string(id)).Str("peer", string(peerID)).Msg("room closed before the peer arrived, retrying")
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return room, peer, nil
	}
}

// GetOrCreate returns the room with id, creating it with a fresh router.
// Concurrent callers for the same id share one creation.
func (r *Registry) GetOrCreate(ctx context.Context, id domain.RoomID) (*session.Room, error) {
	if room, ok := r.Get(id); ok {
		return room, nil
	}
	v, err, _ := r.group.Do(string(id), func() (any, error) {
		if room, ok := r.Get(id); ok {
			return room, nil
		}
		return r.create(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*session.Room), nil
}

func (r *Registry) create(ctx context.Context, id domain.RoomID) (*session.Room, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, domain.ErrRoomClosed
	}

	router, err := r.engine.CreateRouter(ctx, media.RouterOptions{MediaCodecs: r.opts.MediaCodecs})
	if err != nil {
		return nil, fmt.Errorf("create router: %w: %w", domain.ErrEngineFailure, err)
	}
	room, err := session.New(ctx, id, router, r.opts.Room)
	if err != nil {
		router.Close()
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		room.Close()
		return nil, domain.ErrRoomClosed
	}
	r.rooms[id] = room
	r.mu.Unlock()

	room.OnClose(func() { r.remove(id, room) })
	log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("room registered")
	return room, nil
}

// remove drops room only if it is still the one registered under id.
func (r *Registry) remove(id domain.RoomID, room *session.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.rooms[id]; ok && cur == room {
		delete(r.rooms, id)
		log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("room removed")
	}
}

func (r *Registry) Get(id domain.RoomID) (*session.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	if !ok || room.Closed() {
		return nil, false
	}
	return room, true
}

// Destroy closes the room with id. It reports whether such a room existed.
func (r *Registry) Destroy(id domain.RoomID) bool {
	r.mu.RLock()
	room, ok := r.rooms[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	room.Close()
	r.remove(id, room)
	return true
}

// List returns a status snapshot of every room, ordered by id.
func (r *Registry) List() []session.Status {
	r.mu.RLock()
	rooms := make([]*session.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	out := make([]session.Status, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, room.Status())
	}
	slices.SortFunc(out, func(a, b session.Status) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Close closes every room in parallel and refuses new ones.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	rooms := make([]*session.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, room := range rooms {
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				room.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("close room %s: %w", room.ID(), gctx.Err())
			}
		})
	}
	err := g.Wait()
	log.Info().Str("module", "app.registry").Int("rooms", len(rooms)).Err(err).Msg("registry closed")
	return err
}
