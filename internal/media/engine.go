// Package media declares the Media Engine the session layer drives.
//
// The engine owns every RTP/SCTP concern. The session layer only creates
// handles, reads the few attributes it needs (kind, pause state, app data)
// and subscribes to lifecycle events. Every subscription returns a
// Subscription so teardown is explicit.
package media

import (
	"context"
	"errors"
)

var (
	ErrClosed       = errors.New("media: handle closed")
	ErrNotSupported = errors.New("media: not supported by engine")
	ErrUnknownID    = errors.New("media: unknown id")
)

type Engine interface {
	CreateRouter(ctx context.Context, opts RouterOptions) (Router, error)
	Close()
}

type RouterOptions struct {
	MediaCodecs []RTPCodecCapability
}

type Router interface {
	ID() string
	RTPCapabilities() RTPCapabilities
	CanConsume(producerID string, caps RTPCapabilities) bool

	CreateWebRTCTransport(ctx context.Context, opts WebRTCTransportOptions) (Transport, error)
	CreatePlainTransport(ctx context.Context, opts PlainTransportOptions) (Transport, error)
	CreateDirectTransport(ctx context.Context, opts DirectTransportOptions) (Transport, error)
	CreateAudioLevelObserver(ctx context.Context, opts AudioLevelObserverOptions) (AudioLevelObserver, error)

	Close()
	Closed() bool
}

type TransportKind string

const (
	TransportWebRTC TransportKind = "webrtc"
	TransportPlain  TransportKind = "plain"
	TransportDirect TransportKind = "direct"
)

type WebRTCTransportOptions struct {
	EnableUDP          bool
	EnableTCP          bool
	PreferUDP          bool
	EnableSCTP         bool
	NumSCTPStreams     NumSCTPStreams
	MaxIncomingBitrate int
	AppData            AppData
}

type PlainTransportOptions struct {
	RTCPMux    bool
	Comedia    bool
	EnableSCTP bool
	AppData    AppData
}

type DirectTransportOptions struct {
	MaxMessageSize uint32
	AppData        AppData
}

type AudioLevelObserverOptions struct {
	MaxEntries int
	// Threshold is in dBov, e.g. -80.
	Threshold int
	// Interval is in milliseconds.
	Interval int
}

type Transport interface {
	ID() string
	Kind() TransportKind
	AppData() AppData
	Parameters() TransportParameters
	Closed() bool

	Connect(ctx context.Context, params ConnectParameters) error
	RestartICE(ctx context.Context) (ICEParameters, error)
	SetMaxIncomingBitrate(ctx context.Context, bitrate int) error
	EnableTraceEvent(ctx context.Context, types ...TraceType) error
	Stats(ctx context.Context) (Stats, error)

	Produce(ctx context.Context, opts ProducerOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)
	ProduceData(ctx context.Context, opts DataProducerOptions) (DataProducer, error)
	ConsumeData(ctx context.Context, opts DataConsumerOptions) (DataConsumer, error)

	Close()

	OnClose(fn func()) Subscription
	OnDTLSStateChange(fn func(DTLSState)) Subscription
	OnSCTPStateChange(fn func(SCTPState)) Subscription
	OnTrace(fn func(Trace)) Subscription
}

type ProducerOptions struct {
	Kind          Kind
	RTPParameters RTPParameters
	Paused        bool
	AppData       AppData
}

type ConsumerOptions struct {
	ProducerID      string
	RTPCapabilities RTPCapabilities
	Paused          bool
	AppData         AppData
}

type DataProducerOptions struct {
	SCTPStreamParameters *SCTPStreamParameters
	Label                string
	Protocol             string
	AppData              AppData
}

type DataConsumerOptions struct {
	DataProducerID string
	AppData        AppData
}

type Producer interface {
	ID() string
	Kind() Kind
	Type() string
	RTPParameters() RTPParameters
	AppData() AppData
	Paused() bool
	Closed() bool

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Close()

	// OnClose fires once, whether the producer or its transport closed.
	OnClose(fn func()) Subscription
	OnScore(fn func([]ProducerScore)) Subscription
	OnTrace(fn func(Trace)) Subscription
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() Kind
	Type() string
	RTPParameters() RTPParameters
	AppData() AppData
	Paused() bool
	ProducerPaused() bool
	Score() ConsumerScore
	Closed() bool

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SetPreferredLayers(ctx context.Context, layers ConsumerLayers) error
	SetPriority(ctx context.Context, priority int) error
	RequestKeyFrame(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Close()

	OnTransportClose(fn func()) Subscription
	OnProducerClose(fn func()) Subscription
	OnProducerPause(fn func()) Subscription
	OnProducerResume(fn func()) Subscription
	OnScore(fn func(ConsumerScore)) Subscription
	OnLayersChange(fn func(*ConsumerLayers)) Subscription
	OnTrace(fn func(Trace)) Subscription
}

type DataProducer interface {
	ID() string
	Label() string
	Protocol() string
	SCTPStreamParameters() *SCTPStreamParameters
	AppData() AppData
	Closed() bool

	// Send injects a message; only direct transports accept it.
	Send(ctx context.Context, payload []byte) error
	Stats(ctx context.Context) (Stats, error)
	Close()

	OnClose(fn func()) Subscription
}

type DataConsumer interface {
	ID() string
	DataProducerID() string
	Label() string
	Protocol() string
	SCTPStreamParameters() *SCTPStreamParameters
	AppData() AppData
	Closed() bool

	Stats(ctx context.Context) (Stats, error)
	Close()

	OnTransportClose(fn func()) Subscription
	OnDataProducerClose(fn func()) Subscription
	OnMessage(fn func(payload []byte)) Subscription
}

// AudioLevelVolume is one entry of a "volumes" event, loudest first.
type AudioLevelVolume struct {
	Producer Producer
	Volume   int
}

type AudioLevelObserver interface {
	AddProducer(ctx context.Context, producerID string) error
	RemoveProducer(ctx context.Context, producerID string) error
	Close()

	OnVolumes(fn func([]AudioLevelVolume)) Subscription
	OnSilence(fn func()) Subscription
}
