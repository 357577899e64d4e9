package rtc

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dkeye/voiceroom/internal/media"
	"github.com/pion/webrtc/v4"
)

const (
	audioLevelURI   = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
	audioLevelExtID = 10

	firstDynamicPayloadType = 100
)

func kindOf(mimeType string) media.Kind {
	prefix, _, _ := strings.Cut(strings.ToLower(mimeType), "/")
	return media.Kind(prefix)
}

func codecType(kind media.Kind) webrtc.RTPCodecType {
	if kind == media.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

// routerCapabilities fills kinds and payload types the configuration left out.
func routerCapabilities(codecs []media.RTPCodecCapability) (media.RTPCapabilities, error) {
	used := make(map[uint8]bool)
	for _, c := range codecs {
		if c.PreferredPayloadType != 0 {
			if used[c.PreferredPayloadType] {
				return media.RTPCapabilities{}, fmt.Errorf("rtc: duplicate payload type %d", c.PreferredPayloadType)
			}
			used[c.PreferredPayloadType] = true
		}
	}

	caps := media.RTPCapabilities{Codecs: make([]media.RTPCodecCapability, 0, len(codecs))}
	next := uint8(firstDynamicPayloadType)
	for _, c := range codecs {
		if c.Kind == "" {
			c.Kind = kindOf(c.MimeType)
		}
		if c.Kind != media.KindAudio && c.Kind != media.KindVideo {
			return media.RTPCapabilities{}, fmt.Errorf("rtc: codec %q has no audio or video kind", c.MimeType)
		}
		if c.PreferredPayloadType == 0 {
			for used[next] {
				next++
			}
			c.PreferredPayloadType = next
			used[next] = true
		}
		caps.Codecs = append(caps.Codecs, c)
	}
	caps.HeaderExtensions = []media.RTPHeaderExtension{{
		Kind:        media.KindAudio,
		URI:         audioLevelURI,
		PreferredID: audioLevelExtID,
		Direction:   "sendrecv",
	}}
	return caps, nil
}

// fmtpLine renders codec parameters the way SDP carries them, keys sorted.
func fmtpLine(params map[string]any) string {
	keys := slices.Sorted(maps.Keys(params))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func rtcpFeedback(fb []media.RTCPFeedback) []webrtc.RTCPFeedback {
	out := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func webrtcCodec(c media.RTPCodecCapability) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  fmtpLine(c.Parameters),
			RTCPFeedback: rtcpFeedback(c.RTCPFeedback),
		},
		PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
	}
}

// newMediaEngine registers the router codecs and the audio level extension.
func newMediaEngine(caps media.RTPCapabilities) (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range caps.Codecs {
		if err := m.RegisterCodec(webrtcCodec(c), codecType(c.Kind)); err != nil {
			return nil, fmt.Errorf("rtc: register %s: %w", c.MimeType, err)
		}
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("rtc: register audio level extension: %w", err)
	}
	return m, nil
}

// consumerParameters describes what a consumer sends: the producer codec
// with the router payload type and the sender SSRC.
func consumerParameters(caps media.RTPCapabilities, producer media.RTPParameters, ssrc uint32) (media.RTPParameters, error) {
	if len(producer.Codecs) == 0 {
		return media.RTPParameters{}, fmt.Errorf("rtc: producer has no codec")
	}
	codec := producer.Codecs[0]
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, codec.MimeType) {
			codec.PayloadType = c.PreferredPayloadType
			break
		}
	}
	out := media.RTPParameters{
		Codecs:    []media.RTPCodecParameters{codec},
		Encodings: []media.RTPEncodingParameters{{SSRC: ssrc}},
		RTCP:      media.RTCPParameters{CNAME: producer.RTCP.CNAME, ReducedSize: true},
	}
	if id := producer.HeaderExtensionID(audioLevelURI); id != 0 {
		out.HeaderExtensions = []media.RTPHeaderExtensionParameters{{URI: audioLevelURI, ID: id}}
	}
	return out, nil
}

func iceParameters(p webrtc.ICEParameters) media.ICEParameters {
	return media.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: p.ICELite}
}

func iceCandidates(cands []webrtc.ICECandidate, udp, tcp bool) []media.ICECandidate {
	out := make([]media.ICECandidate, 0, len(cands))
	for _, c := range cands {
		protocol := c.Protocol.String()
		if (protocol == "udp" && !udp) || (protocol == "tcp" && !tcp) {
			continue
		}
		out = append(out, media.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   protocol,
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

func remoteCandidates(cands []media.ICECandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(cands))
	for _, c := range cands {
		protocol, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, err
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, err
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Protocol:   protocol,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

func dtlsParameters(p webrtc.DTLSParameters) media.DTLSParameters {
	out := media.DTLSParameters{Role: "auto", Fingerprints: make([]media.DTLSFingerprint, 0, len(p.Fingerprints))}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, media.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func remoteDTLSParameters(p media.DTLSParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch p.Role {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func dtlsState(s webrtc.DTLSTransportState) media.DTLSState {
	switch s {
	case webrtc.DTLSTransportStateConnecting:
		return media.DTLSStateConnecting
	case webrtc.DTLSTransportStateConnected:
		return media.DTLSStateConnected
	case webrtc.DTLSTransportStateFailed:
		return media.DTLSStateFailed
	case webrtc.DTLSTransportStateClosed:
		return media.DTLSStateClosed
	default:
		return media.DTLSStateNew
	}
}
