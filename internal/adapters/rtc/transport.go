package rtc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/voiceroom/internal/app/sfu"
	"github.com/dkeye/voiceroom/internal/media"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// backend is the kind specific half of a transport.
type backend interface {
	parameters() media.TransportParameters
	connect(ctx context.Context, params media.ConnectParameters) error
	// receive returns the packet source of a new producer.
	receive(p *Producer) (sfu.Source, error)
	// send returns the writer and SSRC of a new consumer.
	send(c *Consumer) (sfu.Writer, uint32, error)
	produceData(dp *DataProducer) error
	consumeData(dc *DataConsumer) error
	shutdown()
}

// transport keeps the handles created on it and closes them with it.
type transport struct {
	id      string
	kind    media.TransportKind
	router  *Router
	appData media.AppData
	backend backend
	logger  zerolog.Logger

	mu            sync.Mutex
	closed        bool
	producers     []*Producer
	consumers     []*Consumer
	dataProducers []*DataProducer
	dataConsumers []*DataConsumer

	onClose media.Signal
	onDTLS  media.Listeners[media.DTLSState]
	onSCTP  media.Listeners[media.SCTPState]
	onTrace media.Listeners[media.Trace]
}

func newTransport(r *Router, kind media.TransportKind, appData media.AppData) *transport {
	id := r.newID()
	return &transport{
		id:      id,
		kind:    kind,
		router:  r,
		appData: appData.Clone(),
		logger: log.With().
			Str("module", "rtc").
			Str("router", r.id).
			Str("transport", id).
			Str("kind", string(kind)).
			Logger(),
	}
}

func (t *transport) ID() string                            { return t.id }
func (t *transport) Kind() media.TransportKind             { return t.kind }
func (t *transport) AppData() media.AppData                { return t.appData }
func (t *transport) Parameters() media.TransportParameters { return t.backend.parameters() }

func (t *transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *transport) Connect(ctx context.Context, params media.ConnectParameters) error {
	if t.Closed() {
		return media.ErrClosed
	}
	return t.backend.connect(ctx, params)
}

func (t *transport) RestartICE(context.Context) (media.ICEParameters, error) {
	return media.ICEParameters{}, fmt.Errorf("rtc: ice restart: %w", media.ErrNotSupported)
}

func (t *transport) SetMaxIncomingBitrate(context.Context, int) error {
	return fmt.Errorf("rtc: incoming bitrate cap: %w", media.ErrNotSupported)
}

// EnableTraceEvent accepts any type; no trace is ever emitted.
func (t *transport) EnableTraceEvent(context.Context, ...media.TraceType) error {
	if t.Closed() {
		return media.ErrClosed
	}
	return nil
}

func (t *transport) Stats(context.Context) (media.Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, media.ErrClosed
	}
	return media.Stats{{
		"type":          string(t.kind) + "-transport",
		"transportId":   t.id,
		"producers":     len(t.producers),
		"consumers":     len(t.consumers),
		"dataProducers": len(t.dataProducers),
		"dataConsumers": len(t.dataConsumers),
	}}, nil
}

func (t *transport) Produce(_ context.Context, opts media.ProducerOptions) (media.Producer, error) {
	if t.Closed() {
		return nil, media.ErrClosed
	}
	if len(opts.RTPParameters.Codecs) == 0 {
		return nil, errors.New("rtc: producer without codec")
	}
	mime := opts.RTPParameters.Codecs[0].MimeType
	if !t.router.caps.Supports(mime) {
		return nil, fmt.Errorf("rtc: codec %s: %w", mime, media.ErrNotSupported)
	}

	p := newProducer(t, opts)
	src, err := t.backend.receive(p)
	if err != nil {
		return nil, err
	}
	p.relay = t.router.relays.StartRelay(t.router.ctx, p.id, src, func(pkt *rtp.Packet) { t.router.observe(p, pkt) })
	p.relay.SetPaused(opts.Paused)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		p.Close()
		return nil, media.ErrClosed
	}
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	t.router.addProducer(p)
	t.logger.Debug().Str("producer", p.id).Str("mime", mime).Msg("producer created")
	return p, nil
}

func (t *transport) Consume(_ context.Context, opts media.ConsumerOptions) (media.Consumer, error) {
	if t.Closed() {
		return nil, media.ErrClosed
	}
	p, err := t.router.producer(opts.ProducerID)
	if err != nil {
		return nil, err
	}
	if !t.router.CanConsume(p.id, opts.RTPCapabilities) {
		return nil, fmt.Errorf("rtc: cannot consume %s: %w", p.id, media.ErrNotSupported)
	}

	c := newConsumer(t, p, opts)
	w, ssrc, err := t.backend.send(c)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.params, err = consumerParameters(t.router.caps, p.params, ssrc)
	if err != nil {
		c.Close()
		return nil, err
	}
	state := sfu.TrackStateOk
	if opts.Paused {
		state = sfu.TrackStateMuted
	}
	out, ok := t.router.relays.AddSubscriber(p.id, c.id, w, state)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("rtc: producer %s: %w", p.id, media.ErrClosed)
	}
	c.out = out

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		c.Close()
		return nil, media.ErrClosed
	}
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	if !p.attach(c) {
		c.Close()
		return nil, fmt.Errorf("rtc: producer %s: %w", p.id, media.ErrClosed)
	}
	t.logger.Debug().Str("consumer", c.id).Str("producer", p.id).Msg("consumer created")
	return c, nil
}

func (t *transport) ProduceData(_ context.Context, opts media.DataProducerOptions) (media.DataProducer, error) {
	if t.Closed() {
		return nil, media.ErrClosed
	}
	dp := newDataProducer(t, opts)
	if err := t.backend.produceData(dp); err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		dp.Close()
		return nil, media.ErrClosed
	}
	t.dataProducers = append(t.dataProducers, dp)
	t.mu.Unlock()
	t.router.addDataProducer(dp)
	return dp, nil
}

func (t *transport) ConsumeData(_ context.Context, opts media.DataConsumerOptions) (media.DataConsumer, error) {
	if t.Closed() {
		return nil, media.ErrClosed
	}
	dp, err := t.router.dataProducer(opts.DataProducerID)
	if err != nil {
		return nil, err
	}
	dc := newDataConsumer(t, dp, opts)
	if err := t.backend.consumeData(dc); err != nil {
		dc.Close()
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		dc.Close()
		return nil, media.ErrClosed
	}
	t.dataConsumers = append(t.dataConsumers, dc)
	t.mu.Unlock()
	if !dp.attach(dc) {
		dc.Close()
		return nil, fmt.Errorf("rtc: data producer %s: %w", dp.id, media.ErrClosed)
	}
	return dc, nil
}

// Close closes every handle of the transport; consumers learn it through
// OnTransportClose.
func (t *transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := slices.Clone(t.producers)
	consumers := slices.Clone(t.consumers)
	dataProducers := slices.Clone(t.dataProducers)
	dataConsumers := slices.Clone(t.dataConsumers)
	t.mu.Unlock()

	for _, c := range consumers {
		c.closeBy(&c.onTransportClose)
	}
	for _, dc := range dataConsumers {
		dc.closeBy(&dc.onTransportClose)
	}
	for _, p := range producers {
		p.Close()
	}
	for _, dp := range dataProducers {
		dp.Close()
	}
	t.backend.shutdown()
	t.router.removeTransport(t.id)
	t.onDTLS.Emit(media.DTLSStateClosed)
	t.onClose.Emit()
	t.logger.Debug().Msg("transport closed")
}

func (t *transport) forgetProducer(p *Producer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.producers = slices.DeleteFunc(t.producers, func(x *Producer) bool { return x == p })
}

func (t *transport) forgetConsumer(c *Consumer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumers = slices.DeleteFunc(t.consumers, func(x *Consumer) bool { return x == c })
}

func (t *transport) forgetDataProducer(dp *DataProducer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dataProducers = slices.DeleteFunc(t.dataProducers, func(x *DataProducer) bool { return x == dp })
}

func (t *transport) forgetDataConsumer(dc *DataConsumer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dataConsumers = slices.DeleteFunc(t.dataConsumers, func(x *DataConsumer) bool { return x == dc })
}

func (t *transport) OnClose(fn func()) media.Subscription { return t.onClose.Add(fn) }
func (t *transport) OnDTLSStateChange(fn func(media.DTLSState)) media.Subscription {
	return t.onDTLS.Add(fn)
}
func (t *transport) OnSCTPStateChange(fn func(media.SCTPState)) media.Subscription {
	return t.onSCTP.Add(fn)
}
func (t *transport) OnTrace(fn func(media.Trace)) media.Subscription { return t.onTrace.Add(fn) }
