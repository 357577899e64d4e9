package rtc

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"

	"github.com/dkeye/voiceroom/internal/app/sfu"
	"github.com/dkeye/voiceroom/internal/media"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const (
	plainQueueSize = 256
	plainMTU       = 1500
)

// PlainTransport carries unencrypted RTP over UDP, for ffmpeg or
// GStreamer style ingest and recording.
type PlainTransport struct {
	*transport

	rtcpMux   bool
	comedia   bool
	announced string
	rtpConn   *net.UDPConn
	rtcpConn  *net.UDPConn

	plainMu    sync.Mutex
	remote     *net.UDPAddr
	remoteRTCP *net.UDPAddr
	inbound    map[uint32]*sfu.PacketQueue
	outbound   map[uint32]*Consumer
}

func newPlainTransport(r *Router, opts media.PlainTransportOptions) (*PlainTransport, error) {
	listen := &net.UDPAddr{IP: net.ParseIP(r.cfg.PlainListenIP)}
	rtpConn, err := net.ListenUDP("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("rtc: plain rtp socket: %w", err)
	}
	t := &PlainTransport{
		transport: newTransport(r, media.TransportPlain, opts.AppData),
		rtcpMux:   opts.RTCPMux,
		comedia:   opts.Comedia,
		announced: r.cfg.PlainAnnouncedIP,
		rtpConn:   rtpConn,
		inbound:   make(map[uint32]*sfu.PacketQueue),
		outbound:  make(map[uint32]*Consumer),
	}
	t.backend = t
	if !opts.RTCPMux {
		if t.rtcpConn, err = net.ListenUDP("udp", listen); err != nil {
			_ = rtpConn.Close()
			return nil, fmt.Errorf("rtc: plain rtcp socket: %w", err)
		}
		go t.readLoop(t.rtcpConn, true)
	}
	go t.readLoop(rtpConn, false)
	return t, nil
}

func (t *PlainTransport) parameters() media.TransportParameters {
	p := media.TransportParameters{
		ID:   t.id,
		IP:   t.announced,
		Port: uint16(t.rtpConn.LocalAddr().(*net.UDPAddr).Port),
	}
	if t.rtcpConn != nil {
		p.RTCPPort = uint16(t.rtcpConn.LocalAddr().(*net.UDPAddr).Port)
	}
	return p
}

// connect sets the remote tuple; comedia transports learn it from the
// first packet instead.
func (t *PlainTransport) connect(_ context.Context, params media.ConnectParameters) error {
	if t.comedia {
		return errors.New("rtc: comedia transport learns its remote address")
	}
	ip := net.ParseIP(params.IP)
	if ip == nil || params.Port == 0 {
		return errors.New("rtc: missing remote ip or port")
	}
	remote := &net.UDPAddr{IP: ip, Port: int(params.Port)}
	remoteRTCP := remote
	if !t.rtcpMux {
		if params.RTCPPort == 0 {
			return errors.New("rtc: missing remote rtcpPort")
		}
		remoteRTCP = &net.UDPAddr{IP: ip, Port: int(params.RTCPPort)}
	}

	t.plainMu.Lock()
	defer t.plainMu.Unlock()
	t.remote, t.remoteRTCP = remote, remoteRTCP
	return nil
}

func (t *PlainTransport) readLoop(conn *net.UDPConn, rtcpOnly bool) {
	buf := make([]byte, plainMTU)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		t.learn(from, rtcpOnly)
		raw := buf[:n]
		if rtcpOnly || isRTCP(raw) {
			t.handleRTCP(raw)
			continue
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(append([]byte(nil), raw...)); err != nil {
			continue
		}
		t.plainMu.Lock()
		q := t.inbound[pkt.SSRC]
		t.plainMu.Unlock()
		if q != nil && !q.Push(pkt) {
			t.logger.Debug().Uint32("ssrc", pkt.SSRC).Msg("plain inbound queue full, dropping packet")
		}
	}
}

func (t *PlainTransport) learn(from *net.UDPAddr, rtcpOnly bool) {
	if !t.comedia {
		return
	}
	t.plainMu.Lock()
	defer t.plainMu.Unlock()
	switch {
	case rtcpOnly && t.remoteRTCP == nil:
		t.remoteRTCP = from
	case !rtcpOnly && t.remote == nil:
		t.remote = from
		if t.rtcpMux {
			t.remoteRTCP = from
		}
		t.logger.Info().Str("remote", from.String()).Msg("plain transport remote learned")
	}
}

func (t *PlainTransport) handleRTCP(raw []byte) {
	pkts, err := rtcp.Unmarshal(raw)
	if err != nil {
		return
	}
	for _, pkt := range pkts {
		var ssrc uint32
		switch p := pkt.(type) {
		case *rtcp.PictureLossIndication:
			ssrc = p.MediaSSRC
		case *rtcp.FullIntraRequest:
			ssrc = p.MediaSSRC
		default:
			continue
		}
		t.plainMu.Lock()
		c := t.outbound[ssrc]
		t.plainMu.Unlock()
		if c != nil {
			_ = c.producer.requestKeyFrame()
		}
	}
}

// isRTCP tells muxed RTCP from RTP by payload type (RFC 5761).
func isRTCP(raw []byte) bool {
	if len(raw) < 2 {
		return false
	}
	pt := raw[1]
	return pt >= 192 && pt <= 223
}

func (t *PlainTransport) receive(p *Producer) (sfu.Source, error) {
	if len(p.params.Encodings) == 0 || p.params.Encodings[0].SSRC == 0 {
		return nil, errors.New("rtc: producer encodings need an ssrc")
	}
	ssrc := p.params.Encodings[0].SSRC
	q := sfu.NewPacketQueue(plainQueueSize)

	t.plainMu.Lock()
	if _, taken := t.inbound[ssrc]; taken {
		t.plainMu.Unlock()
		return nil, fmt.Errorf("rtc: ssrc %d already in use", ssrc)
	}
	t.inbound[ssrc] = q
	t.plainMu.Unlock()

	p.keyFrame = func() error {
		return t.writeRTCP(&rtcp.PictureLossIndication{MediaSSRC: ssrc})
	}
	p.stop = func() {
		t.plainMu.Lock()
		delete(t.inbound, ssrc)
		t.plainMu.Unlock()
		q.Close()
	}
	return q, nil
}

func (t *PlainTransport) send(c *Consumer) (sfu.Writer, uint32, error) {
	t.plainMu.Lock()
	defer t.plainMu.Unlock()
	ssrc := rand.Uint32()
	for ssrc == 0 || t.outbound[ssrc] != nil {
		ssrc = rand.Uint32()
	}
	t.outbound[ssrc] = c

	var pt uint8
	codec := c.producer.params.Codecs[0]
	for _, rc := range t.router.caps.Codecs {
		if rc.MimeType == codec.MimeType {
			pt = rc.PreferredPayloadType
			break
		}
	}
	c.stop = func() {
		t.plainMu.Lock()
		delete(t.outbound, ssrc)
		t.plainMu.Unlock()
	}
	return &plainWriter{t: t, ssrc: ssrc, payloadType: pt}, ssrc, nil
}

func (t *PlainTransport) writeRTCP(pkts ...rtcp.Packet) error {
	t.plainMu.Lock()
	remote := t.remoteRTCP
	t.plainMu.Unlock()
	if remote == nil {
		return nil
	}
	raw, err := rtcp.Marshal(pkts)
	if err != nil {
		return err
	}
	conn := t.rtcpConn
	if conn == nil {
		conn = t.rtpConn
	}
	_, err = conn.WriteToUDP(raw, remote)
	return err
}

func (t *PlainTransport) produceData(*DataProducer) error {
	return fmt.Errorf("rtc: data over plain transport: %w", media.ErrNotSupported)
}

func (t *PlainTransport) consumeData(*DataConsumer) error {
	return fmt.Errorf("rtc: data over plain transport: %w", media.ErrNotSupported)
}

func (t *PlainTransport) shutdown() {
	_ = t.rtpConn.Close()
	if t.rtcpConn != nil {
		_ = t.rtcpConn.Close()
	}
}

// plainWriter rewrites SSRC and payload type and sends to the remote tuple.
// Packets are dropped until the remote is known.
type plainWriter struct {
	t           *PlainTransport
	ssrc        uint32
	payloadType uint8
}

func (w *plainWriter) WriteRTP(pkt *rtp.Packet) error {
	w.t.plainMu.Lock()
	remote := w.t.remote
	w.t.plainMu.Unlock()
	if remote == nil {
		return nil
	}
	out := *pkt
	out.SSRC = w.ssrc
	if w.payloadType != 0 {
		out.PayloadType = w.payloadType
	}
	raw, err := out.Marshal()
	if err != nil {
		return err
	}
	_, err = w.t.rtpConn.WriteToUDP(raw, remote)
	return err
}
