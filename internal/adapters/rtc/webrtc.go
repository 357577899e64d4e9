package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voiceroom/internal/app/sfu"
	"github.com/dkeye/voiceroom/internal/media"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	sctpPort           = 5000
	sctpMaxMessageSize = 262144
	defaultSCTPStreams = 1024
)

// WebRTCTransport is an ICE + DTLS (+ SCTP) transport driven through pion's
// ORTC objects, so the remote side only exchanges parameters.
type WebRTCTransport struct {
	*transport

	api      *webrtc.API
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	sctp     *webrtc.SCTPTransport
	streams  media.NumSCTPStreams
	udp, tcp bool

	localICE   webrtc.ICEParameters
	localCands []webrtc.ICECandidate
	localDTLS  webrtc.DTLSParameters

	nextStreamID atomic.Uint32

	hsMu       sync.Mutex
	connecting bool
	ready      bool
	pending    []func()
	cancel     context.CancelFunc
}

func newWebRTCTransport(ctx context.Context, r *Router, opts media.WebRTCTransportOptions) (*WebRTCTransport, error) {
	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: r.cfg.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("rtc: ice gatherer: %w", err)
	}
	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("rtc: gather: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("rtc: dtls transport: %w", err)
	}

	t := &WebRTCTransport{
		transport: newTransport(r, media.TransportWebRTC, opts.AppData),
		api:       r.api,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		streams:   opts.NumSCTPStreams,
		udp:       opts.EnableUDP || !opts.EnableTCP,
		tcp:       opts.EnableTCP,
	}
	t.backend = t
	if opts.EnableSCTP {
		t.sctp = r.api.NewSCTPTransport(dtls)
		if t.streams.OS == 0 {
			t.streams.OS = defaultSCTPStreams
		}
		if t.streams.MIS == 0 {
			t.streams.MIS = defaultSCTPStreams
		}
	}

	if t.localICE, err = gatherer.GetLocalParameters(); err != nil {
		t.shutdown()
		return nil, fmt.Errorf("rtc: local ice parameters: %w", err)
	}
	if t.localCands, err = gatherer.GetLocalCandidates(); err != nil {
		t.shutdown()
		return nil, fmt.Errorf("rtc: local candidates: %w", err)
	}
	if t.localDTLS, err = dtls.GetLocalParameters(); err != nil {
		t.shutdown()
		return nil, fmt.Errorf("rtc: local dtls parameters: %w", err)
	}

	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		t.logger.Debug().Str("dtls_state", s.String()).Msg("DTLS state")
		if s != webrtc.DTLSTransportStateClosed {
			t.onDTLS.Emit(dtlsState(s))
		}
	})
	return t, nil
}

func (t *WebRTCTransport) parameters() media.TransportParameters {
	ice := iceParameters(t.localICE)
	dtls := dtlsParameters(t.localDTLS)
	p := media.TransportParameters{
		ID:             t.id,
		ICEParameters:  &ice,
		ICECandidates:  iceCandidates(t.localCands, t.udp, t.tcp),
		DTLSParameters: &dtls,
	}
	if t.sctp != nil {
		p.SCTPParameters = &media.SCTPParameters{
			Port:           sctpPort,
			OS:             t.streams.OS,
			MIS:            t.streams.MIS,
			MaxMessageSize: sctpMaxMessageSize,
		}
	}
	return p
}

// connect validates the remote parameters and runs the ICE, DTLS and SCTP
// handshakes in the background.
func (t *WebRTCTransport) connect(_ context.Context, params media.ConnectParameters) error {
	if params.DTLSParameters == nil {
		return errors.New("rtc: missing dtlsParameters")
	}
	if params.ICEParameters == nil {
		return errors.New("rtc: missing iceParameters")
	}
	cands, err := remoteCandidates(params.ICECandidates)
	if err != nil {
		return fmt.Errorf("rtc: remote candidates: %w", err)
	}

	t.hsMu.Lock()
	if t.connecting {
		t.hsMu.Unlock()
		return errors.New("rtc: transport already connected")
	}
	t.connecting = true
	ctx, cancel := context.WithCancel(t.router.ctx)
	t.cancel = cancel
	t.hsMu.Unlock()

	go t.handshake(ctx, cands, *params.ICEParameters, remoteDTLSParameters(*params.DTLSParameters))
	return nil
}

func (t *WebRTCTransport) handshake(ctx context.Context, cands []webrtc.ICECandidate, ice media.ICEParameters, dtls webrtc.DTLSParameters) {
	fail := func(step string, err error) {
		if ctx.Err() != nil {
			return
		}
		t.logger.Warn().Err(err).Str("step", step).Msg("transport handshake failed")
		t.onDTLS.Emit(media.DTLSStateFailed)
	}

	if err := t.ice.SetRemoteCandidates(cands); err != nil {
		fail("candidates", err)
		return
	}
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, webrtc.ICEParameters{
		UsernameFragment: ice.UsernameFragment,
		Password:         ice.Password,
		ICELite:          ice.ICELite,
	}, &role); err != nil {
		fail("ice", err)
		return
	}
	if err := t.dtls.Start(dtls); err != nil {
		fail("dtls", err)
		return
	}
	if t.sctp != nil {
		t.onSCTP.Emit("connecting")
		if err := t.sctp.Start(webrtc.SCTPCapabilities{MaxMessageSize: sctpMaxMessageSize}); err != nil {
			t.onSCTP.Emit("failed")
			fail("sctp", err)
			return
		}
		t.onSCTP.Emit("connected")
	}

	t.hsMu.Lock()
	t.ready = true
	pending := t.pending
	t.pending = nil
	t.hsMu.Unlock()
	for _, fn := range pending {
		fn()
	}
	t.logger.Info().Msg("transport connected")
}

// whenReady runs fn once the handshakes are done, right away if they are.
func (t *WebRTCTransport) whenReady(fn func()) {
	t.hsMu.Lock()
	if !t.ready {
		t.pending = append(t.pending, fn)
		t.hsMu.Unlock()
		return
	}
	t.hsMu.Unlock()
	fn()
}

func (t *WebRTCTransport) receive(p *Producer) (sfu.Source, error) {
	if len(p.params.Encodings) == 0 || p.params.Encodings[0].SSRC == 0 {
		return nil, errors.New("rtc: producer encodings need an ssrc")
	}
	ssrc := p.params.Encodings[0].SSRC
	receiver, err := t.api.NewRTPReceiver(codecType(p.kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtc: rtp receiver: %w", err)
	}

	src := newLazyTrack()
	t.whenReady(func() {
		err := receiver.Receive(webrtc.RTPReceiveParameters{Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(ssrc),
				PayloadType: webrtc.PayloadType(p.params.Codecs[0].PayloadType),
			},
		}}})
		if err != nil {
			t.logger.Warn().Err(err).Str("producer", p.id).Msg("rtp receive failed")
			src.fail(err)
			return
		}
		src.open(receiver.Track())
		go drainRTCP(receiver.ReadRTCP)
	})

	p.keyFrame = func() error {
		_, err := t.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
		return err
	}
	p.stop = func() {
		src.fail(media.ErrClosed)
		_ = receiver.Stop()
	}
	return src, nil
}

func (t *WebRTCTransport) send(c *Consumer) (sfu.Writer, uint32, error) {
	codec := c.producer.params.Codecs[0]
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:     codec.MimeType,
		ClockRate:    codec.ClockRate,
		Channels:     codec.Channels,
		SDPFmtpLine:  fmtpLine(codec.Parameters),
		RTCPFeedback: rtcpFeedback(codec.RTCPFeedback),
	}, c.id, c.producer.id)
	if err != nil {
		return nil, 0, fmt.Errorf("rtc: local track: %w", err)
	}
	sender, err := t.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, 0, fmt.Errorf("rtc: rtp sender: %w", err)
	}
	params := sender.GetParameters()
	if len(params.Encodings) == 0 {
		_ = sender.Stop()
		return nil, 0, errors.New("rtc: rtp sender without encoding")
	}

	t.whenReady(func() {
		if err := sender.Send(params); err != nil {
			t.logger.Warn().Err(err).Str("consumer", c.id).Msg("rtp send failed")
			return
		}
		go t.readConsumerRTCP(sender, c)
	})
	c.stop = func() { _ = sender.Stop() }
	return track, uint32(params.Encodings[0].SSRC), nil
}

// readConsumerRTCP turns receiver keyframe requests into producer PLIs.
func (t *WebRTCTransport) readConsumerRTCP(sender *webrtc.RTPSender, c *Consumer) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if err := c.producer.requestKeyFrame(); err != nil {
					t.logger.Debug().Err(err).Str("consumer", c.id).Msg("keyframe request failed")
				}
			}
		}
	}
}

func (t *WebRTCTransport) produceData(dp *DataProducer) error {
	if t.sctp == nil {
		return fmt.Errorf("rtc: sctp disabled: %w", media.ErrNotSupported)
	}
	if dp.stream == nil {
		return errors.New("rtc: missing sctpStreamParameters")
	}
	var ch atomic.Pointer[webrtc.DataChannel]
	t.whenReady(func() {
		dc, err := t.openChannel(dp.label, dp.protocol, dp.stream)
		if err != nil {
			t.logger.Warn().Err(err).Str("dataProducer", dp.id).Msg("data channel open failed")
			return
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) { dp.publish(msg.Data) })
		ch.Store(dc)
	})
	dp.stop = func() {
		if dc := ch.Load(); dc != nil {
			_ = dc.Close()
		}
	}
	return nil
}

func (t *WebRTCTransport) consumeData(dc *DataConsumer) error {
	if t.sctp == nil {
		return fmt.Errorf("rtc: sctp disabled: %w", media.ErrNotSupported)
	}
	stream := &media.SCTPStreamParameters{StreamID: uint16(t.nextStreamID.Add(1) - 1)}
	if src := dc.producer.stream; src != nil {
		stream.Ordered = src.Ordered
		stream.MaxPacketLifeTime = src.MaxPacketLifeTime
		stream.MaxRetransmits = src.MaxRetransmits
	}
	dc.stream = stream

	var ch atomic.Pointer[webrtc.DataChannel]
	t.whenReady(func() {
		channel, err := t.openChannel(dc.producer.label, dc.producer.protocol, stream)
		if err != nil {
			t.logger.Warn().Err(err).Str("dataConsumer", dc.id).Msg("data channel open failed")
			return
		}
		ch.Store(channel)
	})
	dc.deliver = func(payload []byte) {
		if channel := ch.Load(); channel != nil {
			if err := channel.Send(payload); err != nil {
				t.logger.Debug().Err(err).Str("dataConsumer", dc.id).Msg("data channel send failed")
			}
		}
	}
	dc.stop = func() {
		if channel := ch.Load(); channel != nil {
			_ = channel.Close()
		}
	}
	return nil
}

func (t *WebRTCTransport) openChannel(label, protocol string, stream *media.SCTPStreamParameters) (*webrtc.DataChannel, error) {
	id := stream.StreamID
	ordered := stream.Ordered == nil || *stream.Ordered
	return t.api.NewDataChannel(t.sctp, &webrtc.DataChannelParameters{
		Label:             label,
		Protocol:          protocol,
		ID:                &id,
		Ordered:           ordered,
		MaxPacketLifeTime: stream.MaxPacketLifeTime,
		MaxRetransmits:    stream.MaxRetransmits,
		Negotiated:        true,
	})
}

func (t *WebRTCTransport) shutdown() {
	t.hsMu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.pending = nil
	t.hsMu.Unlock()

	if t.sctp != nil {
		_ = t.sctp.Stop()
	}
	_ = t.dtls.Stop()
	_ = t.ice.Stop()
	_ = t.gatherer.Close()
}

func drainRTCP(read func() ([]rtcp.Packet, interceptor.Attributes, error)) {
	for {
		if _, _, err := read(); err != nil {
			return
		}
	}
}

// lazyTrack is a packet source that blocks until the receiver is bound.
type lazyTrack struct {
	ready chan struct{}
	once  sync.Once
	track *webrtc.TrackRemote
	err   error
}

func newLazyTrack() *lazyTrack { return &lazyTrack{ready: make(chan struct{})} }

func (l *lazyTrack) open(track *webrtc.TrackRemote) {
	l.once.Do(func() {
		l.track = track
		close(l.ready)
	})
}

func (l *lazyTrack) fail(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.ready)
	})
}

func (l *lazyTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-l.ready
	if l.err != nil {
		return nil, nil, l.err
	}
	return l.track.ReadRTP()
}
