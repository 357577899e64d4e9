package session

import (
	"context"
	"testing"

	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/dkeye/voiceroom/internal/media"
	"github.com/dkeye/voiceroom/internal/media/mediatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBroadcasterValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]CreateBroadcasterRequest{
		"missing id":          {DisplayName: "Cam", Device: IngestDevice{Name: "ffmpeg"}},
		"missing displayName": {ID: "cam", Device: IngestDevice{Name: "ffmpeg"}},
		"missing device name": {ID: "cam", DisplayName: "Cam"},
		"caps without codecs": {ID: "cam", DisplayName: "Cam", Device: IngestDevice{Name: "ffmpeg"}, RTPCapabilities: &media.RTPCapabilities{}},
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.room.CreateBroadcaster(q)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
			assert.Equal(t, 400, domain.Code(err))
		})
	}

	_, err := f.room.CreateBroadcaster(CreateBroadcasterRequest{DisplayName: "Cam", Device: IngestDevice{Name: "ffmpeg"}})
	assert.ErrorContains(t, err, "missing id")
	_, err = f.room.CreateBroadcaster(CreateBroadcasterRequest{ID: "cam", DisplayName: "Cam"})
	assert.ErrorContains(t, err, "missing device.name")
	assert.Empty(t, f.room.Status().Broadcasters)
}

func TestCreateBroadcasterDuplicateKeepsExisting(t *testing.T) {
	f := newFixture(t)
	bob := f.join("bob", &opusCaps)

	_, err := f.room.CreateBroadcaster(CreateBroadcasterRequest{ID: "cam", DisplayName: "Cam", Device: IngestDevice{Name: "ffmpeg", Version: "6"}})
	require.NoError(t, err)
	params, err := f.room.CreateBroadcasterTransport(context.Background(), "cam", CreateBroadcasterTransportRequest{Type: media.TransportPlain})
	require.NoError(t, err)

	_, err = f.room.CreateBroadcaster(CreateBroadcasterRequest{ID: "cam", DisplayName: "Other", Device: IngestDevice{Name: "gst"}})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Equal(t, 409, domain.Code(err))

	b, err := f.room.broadcaster("cam")
	require.NoError(t, err)
	assert.Equal(t, "Cam", b.Info().DisplayName)
	assert.Equal(t, domain.Device{Flag: domain.DeviceFlagBroadcaster, Name: "ffmpeg", Version: "6"}, b.Info().Device)
	_, ok := b.Links().Transport(params.ID)
	assert.True(t, ok)

	assert.Len(t, bob.ch.notified("newPeer"), 1)
}

func TestCreateBroadcasterRepliesConsumableProducers(t *testing.T) {
	f := newFixture(t)
	alice := f.join("alice", &opusCaps)
	audioID := f.produce(alice, media.KindAudio, opusParams)
	f.produce(alice, media.KindVideo, vp8Params)

	reply, err := f.room.CreateBroadcaster(CreateBroadcasterRequest{
		ID: "cam", DisplayName: "Cam", Device: IngestDevice{Name: "ffmpeg"}, RTPCapabilities: &opusCaps,
	})
	require.NoError(t, err)
	require.Len(t, reply.Peers, 1)
	assert.Equal(t, domain.PeerID("alice"), reply.Peers[0].ID)
	assert.Equal(t, []ProducerInfo{{ID: audioID, Kind: media.KindAudio}}, reply.Peers[0].Producers)

	reply, err = f.room.CreateBroadcaster(CreateBroadcasterRequest{ID: "mic", DisplayName: "Mic", Device: IngestDevice{Name: "ffmpeg"}})
	require.NoError(t, err)
	assert.Empty(t, reply.Peers)

	got := alice.ch.notified("newPeer")
	require.Len(t, got, 2)
	assert.Equal(t, domain.DeviceFlagBroadcaster, got[0].(domain.PeerInfo).Device.Flag)
}

func TestDeleteBroadcasterClosesTransportsAndNotifies(t *testing.T) {
	f := newFixture(t)
	alice := f.join("alice", nil)
	bob := f.join("bob", nil)

	_, err := f.room.CreateBroadcaster(CreateBroadcasterRequest{ID: "cam", DisplayName: "Cam", Device: IngestDevice{Name: "ffmpeg"}})
	require.NoError(t, err)
	plain, err := f.room.CreateBroadcasterTransport(context.Background(), "cam", CreateBroadcasterTransportRequest{Type: media.TransportPlain})
	require.NoError(t, err)
	webrtc, err := f.room.CreateBroadcasterTransport(context.Background(), "cam", CreateBroadcasterTransportRequest{Type: media.TransportWebRTC})
	require.NoError(t, err)

	require.NoError(t, f.room.DeleteBroadcaster("cam"))

	assert.Equal(t, 1, f.journal.Count("transport.close", plain.ID))
	assert.Equal(t, 1, f.journal.Count("transport.close", webrtc.ID))
	for _, p := range []*testPeer{alice, bob} {
		got := p.ch.notified("peerClosed")
		require.Len(t, got, 1)
		assert.Equal(t, map[string]any{"peerId": domain.PeerID("cam")}, got[0])
	}

	assert.ErrorIs(t, f.room.DeleteBroadcaster("cam"), domain.ErrNotFound)
	_, err = f.room.CreateBroadcasterTransport(context.Background(), "cam", CreateBroadcasterTransportRequest{Type: media.TransportPlain})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateBroadcasterTransportOptions(t *testing.T) {
	f := newFixture(t)
	_, err := f.room.CreateBroadcaster(CreateBroadcasterRequest{ID: "cam", DisplayName: "Cam", Device: IngestDevice{Name: "ffmpeg"}})
	require.NoError(t, err)
	ctx := context.Background()

	params, err := f.room.CreateBroadcasterTransport(ctx, "cam", CreateBroadcasterTransportRequest{Type: media.TransportPlain})
	require.NoError(t, err)
	assert.NotZero(t, params.Port)
	assert.NotZero(t, params.RTCPPort)

	mux := true
	params, err = f.room.CreateBroadcasterTransport(ctx, "cam", CreateBroadcasterTransportRequest{Type: media.TransportPlain, RTCPMux: &mux})
	require.NoError(t, err)
	assert.Zero(t, params.RTCPPort)

	var plain *mediatest.Transport
	for _, tr := range f.router.Transports() {
		if tr.ID() == params.ID {
			plain = tr
		}
	}
	require.NotNil(t, plain)
	rtcpMux, comedia := plain.Options()
	assert.True(t, rtcpMux)
	assert.True(t, comedia)

	params, err = f.room.CreateBroadcasterTransport(ctx, "cam", CreateBroadcasterTransportRequest{Type: media.TransportWebRTC, SCTPCapabilities: &sctpCaps})
	require.NoError(t, err)
	assert.NotNil(t, params.SCTPParameters)

	_, err = f.room.CreateBroadcasterTransport(ctx, "cam", CreateBroadcasterTransportRequest{Type: media.TransportWebRTC, Comedia: &mux})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = f.room.CreateBroadcasterTransport(ctx, "cam", CreateBroadcasterTransportRequest{Type: "srt"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestConnectBroadcasterTransport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.room.CreateBroadcaster(CreateBroadcasterRequest{ID: "cam", DisplayName: "Cam", Device: IngestDevice{Name: "ffmpeg"}})
	require.NoError(t, err)
	plain, err := f.room.CreateBroadcasterTransport(ctx, "cam", CreateBroadcasterTransportRequest{Type: media.TransportPlain})
	require.NoError(t, err)
	webrtc, err := f.room.CreateBroadcasterTransport(ctx, "cam", CreateBroadcasterTransportRequest{Type: media.TransportWebRTC})
	require.NoError(t, err)

	dtls := media.ConnectParameters{DTLSParameters: &media.DTLSParameters{Role: "client", Fingerprints: []media.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA"}}}}
	require.NoError(t, f.room.ConnectBroadcasterTransport(ctx, "cam", webrtc.ID, dtls))
	assert.ErrorIs(t, f.room.ConnectBroadcasterTransport(ctx, "cam", plain.ID, dtls), domain.ErrInvalidArgument)
	assert.ErrorIs(t, f.room.ConnectBroadcasterTransport(ctx, "cam", "nope", dtls), domain.ErrNotFound)
	assert.ErrorIs(t, f.room.ConnectBroadcasterTransport(ctx, "ghost", webrtc.ID, dtls), domain.ErrNotFound)
}

func TestBroadcasterProducerFansOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.join("alice", &opusCaps)

	_, err := f.room.CreateBroadcaster(CreateBroadcasterRequest{ID: "cam", DisplayName: "Cam", Device: IngestDevice{Name: "ffmpeg"}})
	require.NoError(t, err)
	plain, err := f.room.CreateBroadcasterTransport(ctx, "cam", CreateBroadcasterTransportRequest{Type: media.TransportPlain})
	require.NoError(t, err)

	_, err = f.room.CreateBroadcasterProducer(ctx, "cam", plain.ID, CreateBroadcasterProducerRequest{Kind: "text"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	producerID, err := f.room.CreateBroadcasterProducer(ctx, "cam", plain.ID, CreateBroadcasterProducerRequest{Kind: media.KindAudio, RTPParameters: opusParams})
	require.NoError(t, err)
	f.settle()

	offers := alice.ch.offers()
	require.Len(t, offers, 1)
	assert.Equal(t, producerID, offers[0].ProducerID)
	assert.Equal(t, domain.PeerID("cam"), offers[0].PeerID)
	assert.True(t, f.router.Observers()[0].Has(producerID))

	// A peer joining later gets the broadcaster's producer too.
	bob := f.join("bob", &opusCaps)
	f.settle()
	require.Len(t, bob.ch.offers(), 1)
	assert.Equal(t, producerID, bob.ch.offers()[0].ProducerID)
	assert.Contains(t, bob.ack.Peers, domain.PeerInfo{ID: "cam", DisplayName: "Cam", Device: domain.Device{Flag: domain.DeviceFlagBroadcaster, Name: "ffmpeg"}})
}

func TestBroadcasterConsumers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.join("alice", &opusCaps)
	producerID := f.produce(alice, media.KindAudio, opusParams)
	chat := f.mustCall(alice.Peer, "produceData", map[string]any{"transportId": alice.sendID, "label": "chat"}).(idReply)

	_, err := f.room.CreateBroadcaster(CreateBroadcasterRequest{ID: "blind", DisplayName: "Blind", Device: IngestDevice{Name: "ffmpeg"}})
	require.NoError(t, err)
	blindTransport, err := f.room.CreateBroadcasterTransport(ctx, "blind", CreateBroadcasterTransportRequest{Type: media.TransportPlain})
	require.NoError(t, err)
	_, err = f.room.CreateBroadcasterConsumer(ctx, "blind", blindTransport.ID, producerID)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.room.CreateBroadcaster(CreateBroadcasterRequest{ID: "rec", DisplayName: "Recorder", Device: IngestDevice{Name: "gst"}, RTPCapabilities: &opusCaps})
	require.NoError(t, err)
	transport, err := f.room.CreateBroadcasterTransport(ctx, "rec", CreateBroadcasterTransportRequest{Type: media.TransportWebRTC, SCTPCapabilities: &sctpCaps})
	require.NoError(t, err)

	consumer, err := f.room.CreateBroadcasterConsumer(ctx, "rec", transport.ID, producerID)
	require.NoError(t, err)
	assert.Equal(t, producerID, consumer.ProducerID)
	assert.Equal(t, media.KindAudio, consumer.Kind)

	_, err = f.room.CreateBroadcasterConsumer(ctx, "rec", transport.ID, producerID)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	dataConsumer, err := f.room.CreateBroadcasterDataConsumer(ctx, "rec", transport.ID, chat.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, dataConsumer.ID)

	dataProducerID, err := f.room.CreateBroadcasterDataProducer(ctx, "rec", transport.ID, CreateBroadcasterDataProducerRequest{Label: "chat"})
	require.NoError(t, err)
	b, _ := f.room.broadcaster("rec")
	dp, ok := b.Links().DataProducer(dataProducerID)
	require.True(t, ok)
	assert.Equal(t, "rec", dp.AppData()["peerId"])

	// Closing the producer removes the broadcaster's consumer.
	f.mustCall(alice.Peer, "closeProducer", map[string]string{"producerId": producerID})
	assert.Empty(t, b.Links().Consumers())
}
