package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voiceroom/internal/app/session"
	"github.com/dkeye/voiceroom/internal/core/coretest"
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/dkeye/voiceroom/internal/media"
	"github.com/dkeye/voiceroom/internal/media/mediatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var opus = media.RTPCodecCapability{Kind: media.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 100, ClockRate: 48000, Channels: 2}

func newTestRegistry(t *testing.T) (*Registry, *mediatest.Engine) {
	t.Helper()
	engine := mediatest.NewEngine()
	reg := NewRegistry(engine, RegistryOptions{
		MediaCodecs: []media.RTPCodecCapability{opus},
		Room:        session.DefaultOptions(),
	})
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	return reg, engine
}

func TestGetOrCreateSharesOneRoom(t *testing.T) {
	reg, engine := newTestRegistry(t)

	var wg sync.WaitGroup
	rooms := make([]*session.Room, 8)
	for i := range rooms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			room, err := reg.GetOrCreate(context.Background(), "lobby")
			assert.NoError(t, err)
			rooms[i] = room
		}()
	}
	wg.Wait()

	for _, room := range rooms {
		assert.Same(t, rooms[0], room)
	}
	assert.Equal(t, 1, engine.Journal.Count("router.create", ""))
	assert.Equal(t, 1, reg.Len())

	got, ok := reg.Get("lobby")
	require.True(t, ok)
	assert.Same(t, rooms[0], got)
	assert.Equal(t, "audio/opus", got.Router().RTPCapabilities().Codecs[0].MimeType)
}

func TestGetOrCreateFailures(t *testing.T) {
	reg, engine := newTestRegistry(t)
	boom := errors.New("worker died")

	engine.Fail("router.create", boom)
	_, err := reg.GetOrCreate(context.Background(), "a")
	assert.ErrorIs(t, err, domain.ErrEngineFailure)
	assert.ErrorIs(t, err, boom)
	engine.Fail("router.create", nil)

	// A router created for a room that fails to build is closed again.
	engine.Fail("observer.create", boom)
	_, err = reg.GetOrCreate(context.Background(), "a")
	assert.ErrorIs(t, err, domain.ErrEngineFailure)
	assert.Equal(t, 1, engine.Journal.Count("router.close", ""))
	assert.Zero(t, reg.Len())
	engine.Fail("observer.create", nil)

	_, err = reg.GetOrCreate(context.Background(), "a")
	assert.NoError(t, err)
}

func TestDestroyAndList(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	b, err := reg.GetOrCreate(ctx, "b")
	require.NoError(t, err)
	_, err = reg.GetOrCreate(ctx, "a")
	require.NoError(t, err)

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, domain.RoomID("a"), list[0].ID)
	assert.Equal(t, domain.RoomID("b"), list[1].ID)

	assert.True(t, reg.Destroy("b"))
	assert.False(t, reg.Destroy("b"))
	assert.True(t, b.Closed())
	_, ok := reg.Get("b")
	assert.False(t, ok)

	again, err := reg.GetOrCreate(ctx, "b")
	require.NoError(t, err)
	assert.NotSame(t, b, again)
}

func TestRoomRemovedWhenLastPeerLeaves(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctrl := gomock.NewController(t)

	room, err := reg.GetOrCreate(context.Background(), "lobby")
	require.NoError(t, err)
	peer, err := room.HandleConnection("alice", coretest.NewMockChannel(ctrl), true)
	require.NoError(t, err)

	room.HandlePeerClose(peer)
	assert.True(t, room.Closed())
	assert.Zero(t, reg.Len())
}

func TestConnectReplacesRoomClosedEarly(t *testing.T) {
	reg, engine := newTestRegistry(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	stale, err := reg.GetOrCreate(ctx, "lobby")
	require.NoError(t, err)
	stale.Close()

	lookups := 0
	reg.lookup = func(ctx context.Context, id domain.RoomID) (*session.Room, error) {
		lookups++
		if lookups == 1 {
			return stale, nil
		}
		return reg.GetOrCreate(ctx, id)
	}

	ch := coretest.NewMockChannel(ctrl)
	ch.EXPECT().Close().AnyTimes()
	room, peer, err := reg.Connect(ctx, "lobby", "alice", ch, true)
	require.NoError(t, err)
	assert.Equal(t, 2, lookups)
	assert.NotSame(t, stale, room)
	assert.False(t, room.Closed())
	got, ok := room.Peer("alice")
	require.True(t, ok)
	assert.Same(t, peer, got)
	assert.Equal(t, 2, engine.Journal.Count("router.create", ""))

	reg.lookup = func(context.Context, domain.RoomID) (*session.Room, error) { return stale, nil }
	_, _, err = reg.Connect(ctx, "lobby", "bob", coretest.NewMockChannel(ctrl), true)
	assert.ErrorIs(t, err, domain.ErrRoomClosed, "only one retry")
}

func TestRegistryClose(t *testing.T) {
	reg, engine := newTestRegistry(t)
	ctx := context.Background()
	for _, id := range []domain.RoomID{"a", "b", "c"} {
		_, err := reg.GetOrCreate(ctx, id)
		require.NoError(t, err)
	}

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, reg.Close(closeCtx))
	assert.Zero(t, reg.Len())
	assert.Equal(t, 3, engine.Journal.Count("router.close", ""))

	_, err := reg.GetOrCreate(ctx, "d")
	assert.ErrorIs(t, err, domain.ErrRoomClosed)
}
