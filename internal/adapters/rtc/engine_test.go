package rtc

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/voiceroom/internal/media"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	micSSRC  = 1111
	levelExt = 1
)

var (
	opusCapability = media.RTPCodecCapability{Kind: media.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 100, ClockRate: 48000, Channels: 2}
	opusCaps       = media.RTPCapabilities{Codecs: []media.RTPCodecCapability{opusCapability}}
	micParams      = media.RTPParameters{
		Codecs:           []media.RTPCodecParameters{{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000, Channels: 2}},
		HeaderExtensions: []media.RTPHeaderExtensionParameters{{URI: audioLevelURI, ID: levelExt}},
		Encodings:        []media.RTPEncodingParameters{{SSRC: micSSRC}},
	}
)

func newTestRouter(t *testing.T) media.Router {
	t.Helper()
	e := NewEngine(Config{PlainListenIP: "127.0.0.1"})
	t.Cleanup(e.Close)
	r, err := e.CreateRouter(context.Background(), media.RouterOptions{MediaCodecs: []media.RTPCodecCapability{opusCapability}})
	require.NoError(t, err)
	return r
}

// udpPeer is the far end of a plain transport.
type udpPeer struct {
	conn *net.UDPConn
}

func newUDPPeer(t *testing.T) *udpPeer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &udpPeer{conn: conn}
}

func (u *udpPeer) port() uint16 { return uint16(u.conn.LocalAddr().(*net.UDPAddr).Port) }

func (u *udpPeer) send(t *testing.T, tr media.Transport, pkt *rtp.Packet) {
	t.Helper()
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	to := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(tr.Parameters().Port)}
	_, err = u.conn.WriteToUDP(raw, to)
	require.NoError(t, err)
}

func (u *udpPeer) read(t *testing.T) *rtp.Packet {
	t.Helper()
	buf := make([]byte, 1500)
	require.NoError(t, u.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := u.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	pkt := &rtp.Packet{}
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	return pkt
}

// silent asserts nothing arrives within d.
func (u *udpPeer) silent(t *testing.T, d time.Duration) {
	t.Helper()
	buf := make([]byte, 1500)
	require.NoError(t, u.conn.SetReadDeadline(time.Now().Add(d)))
	_, _, err := u.conn.ReadFromUDP(buf)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())
}

func micPacket(t *testing.T, seq uint16, level uint8) *rtp.Packet {
	t.Helper()
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 100, SequenceNumber: seq, Timestamp: uint32(seq) * 960, SSRC: micSSRC},
		Payload: []byte{0xfc, 0xff, 0xfe},
	}
	ext, err := rtp.AudioLevelExtension{Level: level, Voice: true}.Marshal()
	require.NoError(t, err)
	require.NoError(t, pkt.Header.SetExtension(levelExt, ext))
	return pkt
}

func TestCreateRouter(t *testing.T) {
	r := newTestRouter(t)
	caps := r.RTPCapabilities()
	require.Len(t, caps.Codecs, 1)
	assert.Equal(t, uint8(100), caps.Codecs[0].PreferredPayloadType)
	assert.False(t, r.CanConsume("missing", opusCaps))

	r.Close()
	assert.True(t, r.Closed())
	_, err := r.CreatePlainTransport(context.Background(), media.PlainTransportOptions{})
	assert.ErrorIs(t, err, media.ErrClosed)
}

func TestPlainTransportParameters(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	split, err := r.CreatePlainTransport(ctx, media.PlainTransportOptions{AppData: media.AppData{"peerId": "cam"}})
	require.NoError(t, err)
	p := split.Parameters()
	assert.Equal(t, "127.0.0.1", p.IP)
	assert.NotZero(t, p.Port)
	assert.NotZero(t, p.RTCPPort)
	assert.NotEqual(t, p.Port, p.RTCPPort)
	assert.Equal(t, "cam", split.AppData()["peerId"])

	muxed, err := r.CreatePlainTransport(ctx, media.PlainTransportOptions{RTCPMux: true, Comedia: true})
	require.NoError(t, err)
	assert.Zero(t, muxed.Parameters().RTCPPort)
	assert.Error(t, muxed.Connect(ctx, media.ConnectParameters{IP: "127.0.0.1", Port: 5004}))

	assert.Error(t, split.Connect(ctx, media.ConnectParameters{IP: "127.0.0.1", Port: 5004}), "rtcpPort required")
	assert.NoError(t, split.Connect(ctx, media.ConnectParameters{IP: "127.0.0.1", Port: 5004, RTCPPort: 5005}))

	_, err = r.CreatePlainTransport(ctx, media.PlainTransportOptions{EnableSCTP: true})
	assert.ErrorIs(t, err, media.ErrNotSupported)

	_, err = split.ProduceData(ctx, media.DataProducerOptions{Label: "chat"})
	assert.ErrorIs(t, err, media.ErrNotSupported)
}

func TestPlainTransportForwardsRTP(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	ingest, err := r.CreatePlainTransport(ctx, media.PlainTransportOptions{RTCPMux: true, Comedia: true})
	require.NoError(t, err)
	producer, err := ingest.Produce(ctx, media.ProducerOptions{Kind: media.KindAudio, RTPParameters: micParams})
	require.NoError(t, err)
	assert.True(t, r.CanConsume(producer.ID(), opusCaps))
	assert.False(t, r.CanConsume(producer.ID(), media.RTPCapabilities{}))

	recorder := newUDPPeer(t)
	egress, err := r.CreatePlainTransport(ctx, media.PlainTransportOptions{RTCPMux: true})
	require.NoError(t, err)
	require.NoError(t, egress.Connect(ctx, media.ConnectParameters{IP: "127.0.0.1", Port: recorder.port()}))

	_, err = egress.Consume(ctx, media.ConsumerOptions{ProducerID: producer.ID()})
	assert.ErrorIs(t, err, media.ErrNotSupported, "no caps")
	consumer, err := egress.Consume(ctx, media.ConsumerOptions{ProducerID: producer.ID(), RTPCapabilities: opusCaps})
	require.NoError(t, err)
	ssrc := consumer.RTPParameters().Encodings[0].SSRC
	assert.NotEqual(t, uint32(micSSRC), ssrc)
	assert.Equal(t, levelExt, consumer.RTPParameters().HeaderExtensionID(audioLevelURI))

	mic := newUDPPeer(t)
	mic.send(t, ingest, micPacket(t, 7, 30))
	got := recorder.read(t)
	assert.Equal(t, ssrc, got.SSRC)
	assert.Equal(t, uint16(7), got.SequenceNumber)
	assert.Equal(t, uint8(100), got.PayloadType)
	assert.Equal(t, []byte{0xfc, 0xff, 0xfe}, got.Payload)
}

func TestPausedConsumerForwardsAfterResume(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	ingest, err := r.CreatePlainTransport(ctx, media.PlainTransportOptions{RTCPMux: true, Comedia: true})
	require.NoError(t, err)
	producer, err := ingest.Produce(ctx, media.ProducerOptions{Kind: media.KindAudio, RTPParameters: micParams})
	require.NoError(t, err)

	recorder := newUDPPeer(t)
	egress, err := r.CreatePlainTransport(ctx, media.PlainTransportOptions{RTCPMux: true})
	require.NoError(t, err)
	require.NoError(t, egress.Connect(ctx, media.ConnectParameters{IP: "127.0.0.1", Port: recorder.port()}))

	mic := newUDPPeer(t)
	mic.send(t, ingest, micPacket(t, 1, 30))

	consumer, err := egress.Consume(ctx, media.ConsumerOptions{ProducerID: producer.ID(), RTPCapabilities: opusCaps, Paused: true})
	require.NoError(t, err)
	for seq := uint16(2); seq < 6; seq++ {
		mic.send(t, ingest, micPacket(t, seq, 30))
	}
	recorder.silent(t, 300*time.Millisecond)

	require.NoError(t, consumer.Resume(ctx))
	mic.send(t, ingest, micPacket(t, 9, 30))
	got := recorder.read(t)
	assert.Equal(t, uint16(9), got.SequenceNumber)
}

func TestProducerCloseClosesConsumers(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	ingest, err := r.CreatePlainTransport(ctx, media.PlainTransportOptions{RTCPMux: true, Comedia: true})
	require.NoError(t, err)
	producer, err := ingest.Produce(ctx, media.ProducerOptions{Kind: media.KindAudio, RTPParameters: micParams})
	require.NoError(t, err)
	_, err = ingest.Produce(ctx, media.ProducerOptions{Kind: media.KindAudio, RTPParameters: micParams})
	assert.Error(t, err, "ssrc taken")

	egress, err := r.CreatePlainTransport(ctx, media.PlainTransportOptions{RTCPMux: true})
	require.NoError(t, err)
	consumer, err := egress.Consume(ctx, media.ConsumerOptions{ProducerID: producer.ID(), RTPCapabilities: opusCaps, Paused: true})
	require.NoError(t, err)
	assert.True(t, consumer.Paused())

	var paused, resumed, closed atomic.Int32
	consumer.OnProducerPause(func() { paused.Add(1) })
	consumer.OnProducerResume(func() { resumed.Add(1) })
	consumer.OnProducerClose(func() { closed.Add(1) })

	require.NoError(t, producer.Pause(ctx))
	require.NoError(t, producer.Pause(ctx))
	assert.True(t, consumer.ProducerPaused())
	require.NoError(t, producer.Resume(ctx))
	assert.Equal(t, int32(1), paused.Load())
	assert.Equal(t, int32(1), resumed.Load())

	producer.Close()
	assert.True(t, consumer.Closed())
	assert.Equal(t, int32(1), closed.Load())
	assert.False(t, r.CanConsume(producer.ID(), opusCaps))
	assert.ErrorIs(t, producer.Pause(ctx), media.ErrClosed)

	// The ssrc is free again.
	_, err = ingest.Produce(ctx, media.ProducerOptions{Kind: media.KindAudio, RTPParameters: micParams})
	assert.NoError(t, err)
}

func TestTransportCloseCascades(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	ingest, err := r.CreatePlainTransport(ctx, media.PlainTransportOptions{RTCPMux: true, Comedia: true})
	require.NoError(t, err)
	producer, err := ingest.Produce(ctx, media.ProducerOptions{Kind: media.KindAudio, RTPParameters: micParams})
	require.NoError(t, err)
	egress, err := r.CreatePlainTransport(ctx, media.PlainTransportOptions{RTCPMux: true})
	require.NoError(t, err)
	consumer, err := egress.Consume(ctx, media.ConsumerOptions{ProducerID: producer.ID(), RTPCapabilities: opusCaps})
	require.NoError(t, err)

	var transportClosed, producerClosed atomic.Int32
	var dtls []media.DTLSState
	consumer.OnTransportClose(func() { transportClosed.Add(1) })
	consumer.OnProducerClose(func() { producerClosed.Add(1) })
	egress.OnDTLSStateChange(func(s media.DTLSState) { dtls = append(dtls, s) })

	egress.Close()
	egress.Close()
	assert.True(t, egress.Closed())
	assert.True(t, consumer.Closed())
	assert.Equal(t, int32(1), transportClosed.Load())
	assert.Zero(t, producerClosed.Load())
	assert.Equal(t, []media.DTLSState{media.DTLSStateClosed}, dtls)
	assert.False(t, producer.Closed())

	var onClose atomic.Int32
	producer.OnClose(func() { onClose.Add(1) })
	r.Close()
	assert.True(t, ingest.Closed())
	assert.True(t, producer.Closed())
	assert.Equal(t, int32(1), onClose.Load())
}

func TestDirectTransportData(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	direct, err := r.CreateDirectTransport(ctx, media.DirectTransportOptions{MaxMessageSize: 8})
	require.NoError(t, err)
	_, err = direct.Produce(ctx, media.ProducerOptions{Kind: media.KindAudio, RTPParameters: micParams})
	assert.ErrorIs(t, err, media.ErrNotSupported)

	dp, err := direct.ProduceData(ctx, media.DataProducerOptions{Label: "bot", AppData: media.AppData{"peerId": "bot"}})
	require.NoError(t, err)
	dc, err := direct.ConsumeData(ctx, media.DataConsumerOptions{DataProducerID: dp.ID()})
	require.NoError(t, err)
	assert.Equal(t, "bot", dc.Label())
	assert.Equal(t, dp.ID(), dc.DataProducerID())

	var mu sync.Mutex
	var got []string
	dc.OnMessage(func(p []byte) {
		mu.Lock()
		got = append(got, string(p))
		mu.Unlock()
	})

	require.NoError(t, dp.Send(ctx, []byte("hello")))
	assert.Error(t, dp.Send(ctx, []byte("way too long")))
	mu.Lock()
	assert.Equal(t, []string{"hello"}, got)
	mu.Unlock()

	_, err = direct.ConsumeData(ctx, media.DataConsumerOptions{DataProducerID: "missing"})
	assert.ErrorIs(t, err, media.ErrUnknownID)

	var producerClosed atomic.Int32
	dc.OnDataProducerClose(func() { producerClosed.Add(1) })
	dp.Close()
	assert.True(t, dc.Closed())
	assert.Equal(t, int32(1), producerClosed.Load())
	assert.ErrorIs(t, dp.Send(ctx, []byte("late")), media.ErrClosed)
}

func TestAudioLevelObserver(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	ingest, err := r.CreatePlainTransport(ctx, media.PlainTransportOptions{RTCPMux: true, Comedia: true})
	require.NoError(t, err)
	producer, err := ingest.Produce(ctx, media.ProducerOptions{Kind: media.KindAudio, RTPParameters: micParams})
	require.NoError(t, err)

	obs, err := r.CreateAudioLevelObserver(ctx, media.AudioLevelObserverOptions{MaxEntries: 1, Threshold: -80, Interval: 50})
	require.NoError(t, err)
	assert.ErrorIs(t, obs.AddProducer(ctx, "missing"), media.ErrUnknownID)
	require.NoError(t, obs.AddProducer(ctx, producer.ID()))

	var loudest atomic.Value
	var silences atomic.Int32
	obs.OnVolumes(func(v []media.AudioLevelVolume) {
		loudest.Store(v[0])
	})
	obs.OnSilence(func() { silences.Add(1) })

	mic := newUDPPeer(t)
	seq := uint16(0)
	assert.Eventually(t, func() bool {
		seq++
		mic.send(t, ingest, micPacket(t, seq, 20))
		v, ok := loudest.Load().(media.AudioLevelVolume)
		return ok && v.Producer.ID() == producer.ID() && v.Volume == -20
	}, 2*time.Second, 10*time.Millisecond)

	// Once the producer stops sending the observer reports silence once.
	assert.Eventually(t, func() bool { return silences.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), silences.Load())

	require.NoError(t, obs.RemoveProducer(ctx, producer.ID()))
	assert.ErrorIs(t, obs.RemoveProducer(ctx, producer.ID()), media.ErrUnknownID)
	obs.Close()
	assert.ErrorIs(t, obs.AddProducer(ctx, producer.ID()), media.ErrClosed)
}
