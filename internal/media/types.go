package media

import "strings"

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// AppData is free-form application metadata attached to a handle.
type AppData map[string]any

// Clone returns a shallow copy that is safe to extend.
func (d AppData) Clone() AppData {
	out := make(AppData, len(d)+1)
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Bool reports whether key holds the boolean true.
func (d AppData) Bool(key string) bool {
	v, ok := d[key].(bool)
	return ok && v
}

// String returns the string value stored under key.
func (d AppData) String(key string) (string, bool) {
	v, ok := d[key].(string)
	return v, ok
}

type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RTPCodecCapability struct {
	Kind                 Kind           `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RTCPFeedback         []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtension struct {
	Kind        Kind   `json:"kind"`
	URI         string `json:"uri"`
	PreferredID int    `json:"preferredId"`
	Direction   string `json:"direction,omitempty"`
}

// RTPCapabilities is the codec and header extension set an endpoint can
// send or decode.
type RTPCapabilities struct {
	Codecs           []RTPCodecCapability `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions,omitempty"`
}

// Supports reports whether caps contains a codec with the given mime type.
func (c RTPCapabilities) Supports(mimeType string) bool {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.MimeType, mimeType) {
			return true
		}
	}
	return false
}

// HasMediaCodec reports whether at least one audio or video codec is declared.
func (c RTPCapabilities) HasMediaCodec() bool {
	for _, codec := range c.Codecs {
		if codec.Kind == KindAudio || codec.Kind == KindVideo {
			return true
		}
	}
	return false
}

type RTPCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

type RTPEncodingParameters struct {
	SSRC            uint32 `json:"ssrc,omitempty"`
	RID             string `json:"rid,omitempty"`
	MaxBitrate      uint32 `json:"maxBitrate,omitempty"`
	ScalabilityMode string `json:"scalabilityMode,omitempty"`
	DTX             bool   `json:"dtx,omitempty"`
}

type RTCPParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
	Mux         *bool  `json:"mux,omitempty"`
}

type RTPParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RTPCodecParameters           `json:"codecs"`
	HeaderExtensions []RTPHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RTPEncodingParameters        `json:"encodings,omitempty"`
	RTCP             RTCPParameters                 `json:"rtcp"`
}

// HeaderExtensionID returns the negotiated id for uri, or 0.
func (p RTPParameters) HeaderExtensionID(uri string) int {
	for _, ext := range p.HeaderExtensions {
		if ext.URI == uri {
			return ext.ID
		}
	}
	return 0
}

type NumSCTPStreams struct {
	OS  uint16 `json:"OS"`
	MIS uint16 `json:"MIS"`
}

type SCTPCapabilities struct {
	NumStreams NumSCTPStreams `json:"numStreams"`
}

type SCTPParameters struct {
	Port           uint16 `json:"port"`
	OS             uint16 `json:"OS"`
	MIS            uint16 `json:"MIS"`
	MaxMessageSize uint32 `json:"maxMessageSize"`
}

type SCTPStreamParameters struct {
	StreamID          uint16  `json:"streamId"`
	Ordered           *bool   `json:"ordered,omitempty"`
	MaxPacketLifeTime *uint16 `json:"maxPacketLifeTime,omitempty"`
	MaxRetransmits    *uint16 `json:"maxRetransmits,omitempty"`
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

type (
	DTLSState string
	SCTPState string
)

const (
	DTLSStateNew        DTLSState = "new"
	DTLSStateConnecting DTLSState = "connecting"
	DTLSStateConnected  DTLSState = "connected"
	DTLSStateFailed     DTLSState = "failed"
	DTLSStateClosed     DTLSState = "closed"
)

// TransportParameters is what a client needs to reach a transport.
// WebRTC transports fill the ICE/DTLS/SCTP fields, plain transports the tuple.
type TransportParameters struct {
	ID             string          `json:"id"`
	ICEParameters  *ICEParameters  `json:"iceParameters,omitempty"`
	ICECandidates  []ICECandidate  `json:"iceCandidates,omitempty"`
	DTLSParameters *DTLSParameters `json:"dtlsParameters,omitempty"`
	SCTPParameters *SCTPParameters `json:"sctpParameters,omitempty"`
	IP             string          `json:"ip,omitempty"`
	Port           uint16          `json:"port,omitempty"`
	RTCPPort       uint16          `json:"rtcpPort,omitempty"`
}

// ConnectParameters carries the remote side of a transport.
type ConnectParameters struct {
	DTLSParameters *DTLSParameters `json:"dtlsParameters,omitempty"`
	ICEParameters  *ICEParameters  `json:"iceParameters,omitempty"`
	ICECandidates  []ICECandidate  `json:"iceCandidates,omitempty"`
	IP             string          `json:"ip,omitempty"`
	Port           uint16          `json:"port,omitempty"`
	RTCPPort       uint16          `json:"rtcpPort,omitempty"`
}

type TraceType string

const (
	TraceBWE      TraceType = "bwe"
	TraceKeyFrame TraceType = "keyframe"
	TracePLI      TraceType = "pli"
)

// BWETraceInfo is the payload of an outgoing bandwidth estimation trace.
type BWETraceInfo struct {
	DesiredBitrate          uint32 `json:"desiredBitrate"`
	EffectiveDesiredBitrate uint32 `json:"effectiveDesiredBitrate"`
	AvailableBitrate        uint32 `json:"availableBitrate"`
}

type Trace struct {
	Type      TraceType     `json:"type"`
	Direction string        `json:"direction"`
	Timestamp int64         `json:"timestamp"`
	BWE       *BWETraceInfo `json:"info,omitempty"`
}

type ProducerScore struct {
	EncodingIdx int    `json:"encodingIdx"`
	SSRC        uint32 `json:"ssrc"`
	RID         string `json:"rid,omitempty"`
	Score       int    `json:"score"`
}

type ConsumerScore struct {
	Score          int   `json:"score"`
	ProducerScore  int   `json:"producerScore"`
	ProducerScores []int `json:"producerScores,omitempty"`
}

type ConsumerLayers struct {
	SpatialLayer  int  `json:"spatialLayer"`
	TemporalLayer *int `json:"temporalLayer,omitempty"`
}

// Stats is an opaque statistics snapshot.
type Stats []map[string]any
