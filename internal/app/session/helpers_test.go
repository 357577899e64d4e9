package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voiceroom/internal/core"
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/dkeye/voiceroom/internal/media"
	"github.com/dkeye/voiceroom/internal/media/mediatest"
	"github.com/stretchr/testify/require"
)

var (
	opusCodec = media.RTPCodecCapability{Kind: media.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 100, ClockRate: 48000, Channels: 2}
	vp8Codec  = media.RTPCodecCapability{Kind: media.KindVideo, MimeType: "video/VP8", PreferredPayloadType: 101, ClockRate: 90000}

	opusCaps = media.RTPCapabilities{Codecs: []media.RTPCodecCapability{opusCodec}}
	vp8Caps  = media.RTPCapabilities{Codecs: []media.RTPCodecCapability{vp8Codec}}

	opusParams = media.RTPParameters{
		Codecs:    []media.RTPCodecParameters{{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000, Channels: 2}},
		Encodings: []media.RTPEncodingParameters{{SSRC: 1111}},
	}
	vp8Params = media.RTPParameters{
		Codecs:    []media.RTPCodecParameters{{MimeType: "video/VP8", PayloadType: 101, ClockRate: 90000}},
		Encodings: []media.RTPEncodingParameters{{SSRC: 2222}},
	}

	sctpCaps = media.SCTPCapabilities{NumStreams: media.NumSCTPStreams{OS: 1024, MIS: 1024}}
)

type message struct {
	method string
	data   any
}

// fakeChannel acknowledges every request and records traffic in the
// engine journal as "request.<method>" / "notify.<method>".
type fakeChannel struct {
	journal *mediatest.Journal

	mu            sync.Mutex
	requests      []message
	notifications []message
	failRequests  error
	closed        bool
}

func newFakeChannel(j *mediatest.Journal) *fakeChannel {
	return &fakeChannel{journal: j}
}

func messageID(data any) string {
	switch v := data.(type) {
	case ConsumerOffer:
		return v.ID
	case DataConsumerOffer:
		return v.ID
	case consumerEvent:
		return v.ConsumerID
	case consumerScore:
		return v.ConsumerID
	}
	return ""
}

func (c *fakeChannel) Request(ctx context.Context, method string, data any) (json.RawMessage, error) {
	c.mu.Lock()
	c.requests = append(c.requests, message{method, data})
	err := c.failRequests
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.journal.Record("request."+method, messageID(data))
	return json.RawMessage(`{}`), ctx.Err()
}

func (c *fakeChannel) Notify(method string, data any) error {
	c.mu.Lock()
	c.notifications = append(c.notifications, message{method, data})
	c.mu.Unlock()
	c.journal.Record("notify."+method, messageID(data))
	return nil
}

func (c *fakeChannel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) sent(list *[]message, method string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, m := range *list {
		if m.method == method {
			out = append(out, m.data)
		}
	}
	return out
}

func (c *fakeChannel) requested(method string) []any { return c.sent(&c.requests, method) }
func (c *fakeChannel) notified(method string) []any  { return c.sent(&c.notifications, method) }

func (c *fakeChannel) offers() []ConsumerOffer {
	var out []ConsumerOffer
	for _, d := range c.requested("newConsumer") {
		out = append(out, d.(ConsumerOffer))
	}
	return out
}

func (c *fakeChannel) dataOffers() []DataConsumerOffer {
	var out []DataConsumerOffer
	for _, d := range c.requested("newDataConsumer") {
		out = append(out, d.(DataConsumerOffer))
	}
	return out
}

// responder records the reply and, when journal is set, logs it as
// "response.<method>" keyed by the peer id.
type responder struct {
	journal *mediatest.Journal
	method  string
	peerID  string

	accepted bool
	data     any
	code     int
	reason   string
}

func (r *responder) Accept(data any) {
	r.accepted, r.data = true, data
	if r.journal != nil {
		r.journal.Record("response."+r.method, r.peerID)
	}
}

func (r *responder) Reject(code int, reason string) {
	r.code, r.reason = code, reason
}

type fixture struct {
	t       *testing.T
	room    *Room
	engine  *mediatest.Engine
	router  *mediatest.Router
	journal *mediatest.Journal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine := mediatest.NewEngine()
	router, err := engine.CreateRouter(context.Background(), media.RouterOptions{
		MediaCodecs: []media.RTPCodecCapability{opusCodec, vp8Codec},
	})
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.RequestTimeout = time.Second
	room, err := New(context.Background(), "room-1", router, opts)
	require.NoError(t, err)
	t.Cleanup(room.Close)

	return &fixture{t: t, room: room, engine: engine, router: router.(*mediatest.Router), journal: engine.Journal}
}

func (f *fixture) call(peer *core.Peer, method string, data any) (*responder, error) {
	f.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(f.t, err)
	res := &responder{journal: f.journal, method: method, peerID: string(peer.ID())}
	err = f.room.HandleRequest(context.Background(), peer, core.Request{Method: method, Data: raw}, res)
	return res, err
}

func (f *fixture) mustCall(peer *core.Peer, method string, data any) any {
	f.t.Helper()
	res, err := f.call(peer, method, data)
	require.NoError(f.t, err)
	require.True(f.t, res.accepted, "%s was not accepted", method)
	return res.data
}

// connect opens a channel for id and creates its send and receive transports.
func (f *fixture) connect(id domain.PeerID) (*core.Peer, *fakeChannel, string, string) {
	f.t.Helper()
	ch := newFakeChannel(f.journal)
	peer, err := f.room.HandleConnection(id, ch, true)
	require.NoError(f.t, err)

	send := f.mustCall(peer, "createTransport", map[string]any{"producing": true, "sctpCapabilities": sctpCaps}).(media.TransportParameters)
	recv := f.mustCall(peer, "createTransport", map[string]any{"consuming": true, "sctpCapabilities": sctpCaps}).(media.TransportParameters)
	return peer, ch, send.ID, recv.ID
}

type testPeer struct {
	*core.Peer
	ch     *fakeChannel
	sendID string
	recvID string
	ack    joinReply
}

// join connects and joins id with the given receive capabilities.
func (f *fixture) join(id domain.PeerID, caps *media.RTPCapabilities) *testPeer {
	f.t.Helper()
	peer, ch, sendID, recvID := f.connect(id)
	ack := f.mustCall(peer, "join", map[string]any{
		"displayName":      string(id),
		"device":           domain.Device{Name: "test"},
		"rtpCapabilities":  caps,
		"sctpCapabilities": sctpCaps,
	}).(joinReply)
	return &testPeer{Peer: peer, ch: ch, sendID: sendID, recvID: recvID, ack: ack}
}

func (f *fixture) produce(p *testPeer, kind media.Kind, params media.RTPParameters) string {
	f.t.Helper()
	reply := f.mustCall(p.Peer, "produce", map[string]any{
		"transportId":   p.sendID,
		"kind":          kind,
		"rtpParameters": params,
		"appData":       map[string]any{"source": "mic"},
	}).(idReply)
	return reply.ID
}

// settle waits for every fan-out goroutine started so far.
func (f *fixture) settle() {
	f.room.tasks.Wait()
}

var errNoAnswer = errors.New("peer did not answer")
