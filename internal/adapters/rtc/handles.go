package rtc

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voiceroom/internal/app/sfu"
	"github.com/dkeye/voiceroom/internal/media"
)

// Producer receives one RTP stream and feeds its relay.
type Producer struct {
	transport  *transport
	id         string
	kind       media.Kind
	params     media.RTPParameters
	appData    media.AppData
	levelExtID uint8
	relay      *sfu.Relay

	// Set by the backend.
	keyFrame func() error
	stop     func()

	mu        sync.Mutex
	paused    bool
	closed    bool
	consumers []*Consumer

	onClose media.Signal
	onScore media.Listeners[[]media.ProducerScore]
	onTrace media.Listeners[media.Trace]
}

func newProducer(t *transport, opts media.ProducerOptions) *Producer {
	kind := opts.Kind
	if kind == "" {
		kind = kindOf(opts.RTPParameters.Codecs[0].MimeType)
	}
	p := &Producer{
		transport: t,
		id:        t.router.newID(),
		kind:      kind,
		params:    opts.RTPParameters,
		appData:   opts.AppData.Clone(),
		paused:    opts.Paused,
	}
	if id := opts.RTPParameters.HeaderExtensionID(audioLevelURI); id > 0 && id < 256 {
		p.levelExtID = uint8(id)
	}
	return p
}

func (p *Producer) ID() string                         { return p.id }
func (p *Producer) Kind() media.Kind                   { return p.kind }
func (p *Producer) Type() string                       { return "simple" }
func (p *Producer) RTPParameters() media.RTPParameters { return p.params }
func (p *Producer) AppData() media.AppData             { return p.appData }

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) attach(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers = append(p.consumers, c)
	return true
}

func (p *Producer) detach(c *Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers = slices.DeleteFunc(p.consumers, func(x *Consumer) bool { return x == c })
}

func (p *Producer) setPaused(paused bool) ([]*Consumer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, media.ErrClosed
	}
	if p.paused == paused {
		return nil, nil
	}
	p.paused = paused
	p.relay.SetPaused(paused)
	return slices.Clone(p.consumers), nil
}

func (p *Producer) Pause(context.Context) error {
	consumers, err := p.setPaused(true)
	for _, c := range consumers {
		c.onProducerPause.Emit()
	}
	return err
}

func (p *Producer) Resume(context.Context) error {
	consumers, err := p.setPaused(false)
	for _, c := range consumers {
		c.onProducerResume.Emit()
	}
	if len(consumers) > 0 {
		_ = p.requestKeyFrame()
	}
	return err
}

func (p *Producer) requestKeyFrame() error {
	if p.kind != media.KindVideo || p.keyFrame == nil {
		return nil
	}
	return p.keyFrame()
}

func (p *Producer) Stats(context.Context) (media.Stats, error) {
	if p.Closed() {
		return nil, media.ErrClosed
	}
	return media.Stats{{
		"type":       "inbound-rtp",
		"producerId": p.id,
		"kind":       string(p.kind),
		"mimeType":   p.params.Codecs[0].MimeType,
		"paused":     p.Paused(),
	}}, nil
}

// Close stops the relay and closes every consumer of the producer.
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	consumers := slices.Clone(p.consumers)
	p.consumers = nil
	p.mu.Unlock()

	p.transport.router.removeProducer(p)
	p.transport.forgetProducer(p)
	p.transport.router.relays.StopRelay(p.id)
	if p.stop != nil {
		p.stop()
	}
	for _, c := range consumers {
		c.closeBy(&c.onProducerClose)
	}
	p.onClose.Emit()
}

func (p *Producer) OnClose(fn func()) media.Subscription { return p.onClose.Add(fn) }
func (p *Producer) OnScore(fn func([]media.ProducerScore)) media.Subscription {
	return p.onScore.Add(fn)
}
func (p *Producer) OnTrace(fn func(media.Trace)) media.Subscription { return p.onTrace.Add(fn) }

// Consumer sends the packets of one producer through an OutTrack.
type Consumer struct {
	transport *transport
	producer  *Producer
	id        string
	appData   media.AppData
	params    media.RTPParameters
	out       *sfu.OutTrack

	// Set by the backend.
	stop func()

	mu       sync.Mutex
	paused   bool
	closed   bool
	priority int

	onTransportClose media.Signal
	onProducerClose  media.Signal
	onProducerPause  media.Signal
	onProducerResume media.Signal
	onScore          media.Listeners[media.ConsumerScore]
	onLayers         media.Listeners[*media.ConsumerLayers]
	onTrace          media.Listeners[media.Trace]
}

func newConsumer(t *transport, p *Producer, opts media.ConsumerOptions) *Consumer {
	return &Consumer{
		transport: t,
		producer:  p,
		id:        t.router.newID(),
		appData:   opts.AppData.Clone(),
		paused:    opts.Paused,
		priority:  1,
	}
}

func (c *Consumer) ID() string                         { return c.id }
func (c *Consumer) ProducerID() string                 { return c.producer.id }
func (c *Consumer) Kind() media.Kind                   { return c.producer.kind }
func (c *Consumer) Type() string                       { return "simple" }
func (c *Consumer) RTPParameters() media.RTPParameters { return c.params }
func (c *Consumer) AppData() media.AppData             { return c.appData }
func (c *Consumer) ProducerPaused() bool               { return c.producer.Paused() }

// Score is fixed; no receiver reports are evaluated.
func (c *Consumer) Score() media.ConsumerScore {
	return media.ConsumerScore{Score: 10, ProducerScore: 10, ProducerScores: []int{10}}
}

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) setPaused(paused bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return media.ErrClosed
	}
	c.paused = paused
	if c.out == nil {
		return nil
	}
	if paused {
		c.out.MarkMuted()
	} else {
		c.out.MarkOk()
	}
	return nil
}

func (c *Consumer) Pause(context.Context) error { return c.setPaused(true) }

func (c *Consumer) Resume(context.Context) error {
	if err := c.setPaused(false); err != nil {
		return err
	}
	return c.producer.requestKeyFrame()
}

// SetPreferredLayers is accepted and ignored; consumers are never layered.
func (c *Consumer) SetPreferredLayers(context.Context, media.ConsumerLayers) error {
	if c.Closed() {
		return media.ErrClosed
	}
	return nil
}

func (c *Consumer) SetPriority(_ context.Context, priority int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return media.ErrClosed
	}
	c.priority = priority
	return nil
}

func (c *Consumer) RequestKeyFrame(context.Context) error {
	if c.Closed() {
		return media.ErrClosed
	}
	return c.producer.requestKeyFrame()
}

func (c *Consumer) Stats(context.Context) (media.Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, media.ErrClosed
	}
	return media.Stats{{
		"type":       "outbound-rtp",
		"consumerId": c.id,
		"producerId": c.producer.id,
		"paused":     c.paused,
		"priority":   c.priority,
	}}, nil
}

func (c *Consumer) Close() { c.release() }

func (c *Consumer) closeBy(sig *media.Signal) {
	if c.release() {
		sig.Emit()
	}
}

func (c *Consumer) release() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.mu.Unlock()

	c.transport.router.relays.MarkSubscriberDelete(c.producer.id, c.id)
	if c.stop != nil {
		c.stop()
	}
	c.transport.forgetConsumer(c)
	c.producer.detach(c)
	return true
}

func (c *Consumer) OnTransportClose(fn func()) media.Subscription { return c.onTransportClose.Add(fn) }
func (c *Consumer) OnProducerClose(fn func()) media.Subscription  { return c.onProducerClose.Add(fn) }
func (c *Consumer) OnProducerPause(fn func()) media.Subscription  { return c.onProducerPause.Add(fn) }
func (c *Consumer) OnProducerResume(fn func()) media.Subscription { return c.onProducerResume.Add(fn) }
func (c *Consumer) OnScore(fn func(media.ConsumerScore)) media.Subscription {
	return c.onScore.Add(fn)
}
func (c *Consumer) OnLayersChange(fn func(*media.ConsumerLayers)) media.Subscription {
	return c.onLayers.Add(fn)
}
func (c *Consumer) OnTrace(fn func(media.Trace)) media.Subscription { return c.onTrace.Add(fn) }

// DataProducer publishes the messages it receives to its data consumers.
type DataProducer struct {
	transport *transport
	id        string
	label     string
	protocol  string
	stream    *media.SCTPStreamParameters
	appData   media.AppData
	fanout    *sfu.DataRelay
	messages  atomic.Int64

	// Set by the backend.
	stop func()

	mu        sync.Mutex
	closed    bool
	consumers []*DataConsumer

	onClose media.Signal
}

func newDataProducer(t *transport, opts media.DataProducerOptions) *DataProducer {
	return &DataProducer{
		transport: t,
		id:        t.router.newID(),
		label:     opts.Label,
		protocol:  opts.Protocol,
		stream:    opts.SCTPStreamParameters,
		appData:   opts.AppData.Clone(),
		fanout:    sfu.NewDataRelay(),
	}
}

func (dp *DataProducer) ID() string                                        { return dp.id }
func (dp *DataProducer) Label() string                                     { return dp.label }
func (dp *DataProducer) Protocol() string                                  { return dp.protocol }
func (dp *DataProducer) SCTPStreamParameters() *media.SCTPStreamParameters { return dp.stream }
func (dp *DataProducer) AppData() media.AppData                            { return dp.appData }

func (dp *DataProducer) Closed() bool {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.closed
}

func (dp *DataProducer) attach(dc *DataConsumer) bool {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if dp.closed || !dp.fanout.Subscribe(dc.id, dc.receive) {
		return false
	}
	dp.consumers = append(dp.consumers, dc)
	return true
}

func (dp *DataProducer) detach(dc *DataConsumer) {
	dp.fanout.Unsubscribe(dc.id)
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.consumers = slices.DeleteFunc(dp.consumers, func(x *DataConsumer) bool { return x == dc })
}

func (dp *DataProducer) publish(payload []byte) {
	dp.messages.Add(1)
	dp.fanout.Publish(payload)
}

// Send injects a message; only direct transports accept it.
func (dp *DataProducer) Send(_ context.Context, payload []byte) error {
	if dp.Closed() {
		return media.ErrClosed
	}
	direct, ok := dp.transport.backend.(*DirectTransport)
	if !ok {
		return media.ErrNotSupported
	}
	if uint32(len(payload)) > direct.maxMessageSize {
		return fmt.Errorf("rtc: message of %d bytes exceeds %d", len(payload), direct.maxMessageSize)
	}
	dp.publish(payload)
	return nil
}

func (dp *DataProducer) Stats(context.Context) (media.Stats, error) {
	if dp.Closed() {
		return nil, media.ErrClosed
	}
	return media.Stats{{
		"type":           "data-producer",
		"dataProducerId": dp.id,
		"label":          dp.label,
		"messages":       dp.messages.Load(),
	}}, nil
}

func (dp *DataProducer) Close() {
	dp.mu.Lock()
	if dp.closed {
		dp.mu.Unlock()
		return
	}
	dp.closed = true
	consumers := slices.Clone(dp.consumers)
	dp.consumers = nil
	dp.mu.Unlock()

	dp.transport.router.removeDataProducer(dp.id)
	dp.transport.forgetDataProducer(dp)
	dp.fanout.Close()
	if dp.stop != nil {
		dp.stop()
	}
	for _, dc := range consumers {
		dc.closeBy(&dc.onDataProducerClose)
	}
	dp.onClose.Emit()
}

func (dp *DataProducer) OnClose(fn func()) media.Subscription { return dp.onClose.Add(fn) }

// DataConsumer delivers the messages of one data producer.
type DataConsumer struct {
	transport *transport
	producer  *DataProducer
	id        string
	appData   media.AppData
	stream    *media.SCTPStreamParameters
	messages  atomic.Int64

	// Set by the backend.
	deliver func([]byte)
	stop    func()

	mu     sync.Mutex
	closed bool

	onTransportClose    media.Signal
	onDataProducerClose media.Signal
	onMessage           media.Listeners[[]byte]
}

func newDataConsumer(t *transport, dp *DataProducer, opts media.DataConsumerOptions) *DataConsumer {
	return &DataConsumer{
		transport: t,
		producer:  dp,
		id:        t.router.newID(),
		appData:   opts.AppData.Clone(),
	}
}

func (dc *DataConsumer) ID() string                                        { return dc.id }
func (dc *DataConsumer) DataProducerID() string                            { return dc.producer.id }
func (dc *DataConsumer) Label() string                                     { return dc.producer.label }
func (dc *DataConsumer) Protocol() string                                  { return dc.producer.protocol }
func (dc *DataConsumer) SCTPStreamParameters() *media.SCTPStreamParameters { return dc.stream }
func (dc *DataConsumer) AppData() media.AppData                            { return dc.appData }

func (dc *DataConsumer) Closed() bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.closed
}

func (dc *DataConsumer) receive(payload []byte) {
	dc.messages.Add(1)
	if dc.deliver != nil {
		dc.deliver(payload)
	}
	dc.onMessage.Emit(payload)
}

func (dc *DataConsumer) Stats(context.Context) (media.Stats, error) {
	if dc.Closed() {
		return nil, media.ErrClosed
	}
	return media.Stats{{
		"type":           "data-consumer",
		"dataConsumerId": dc.id,
		"label":          dc.producer.label,
		"messages":       dc.messages.Load(),
	}}, nil
}

func (dc *DataConsumer) Close() { dc.release() }

func (dc *DataConsumer) closeBy(sig *media.Signal) {
	if dc.release() {
		sig.Emit()
	}
}

func (dc *DataConsumer) release() bool {
	dc.mu.Lock()
	if dc.closed {
		dc.mu.Unlock()
		return false
	}
	dc.closed = true
	dc.mu.Unlock()

	dc.producer.detach(dc)
	if dc.stop != nil {
		dc.stop()
	}
	dc.transport.forgetDataConsumer(dc)
	return true
}

func (dc *DataConsumer) OnTransportClose(fn func()) media.Subscription {
	return dc.onTransportClose.Add(fn)
}
func (dc *DataConsumer) OnDataProducerClose(fn func()) media.Subscription {
	return dc.onDataProducerClose.Add(fn)
}
func (dc *DataConsumer) OnMessage(fn func(payload []byte)) media.Subscription {
	return dc.onMessage.Add(fn)
}
