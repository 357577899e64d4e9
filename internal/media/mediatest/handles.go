package mediatest

import (
	"context"
	"slices"
	"sync"

	"github.com/dkeye/voiceroom/internal/media"
	"github.com/google/uuid"
)

// Transport is a fake transport; producers and consumers close with it.
type Transport struct {
	router  *Router
	id      string
	kind    media.TransportKind
	appData media.AppData
	sctp    bool
	rtcpMux bool
	comedia bool

	mu            sync.Mutex
	closed        bool
	connected     *media.ConnectParameters
	maxBitrate    int
	traces        []media.TraceType
	producers     []*Producer
	consumers     []*Consumer
	dataProducers []*DataProducer
	dataConsumers []*DataConsumer

	onClose media.Signal
	onDTLS  media.Listeners[media.DTLSState]
	onSCTP  media.Listeners[media.SCTPState]
	onTrace media.Listeners[media.Trace]
}

func (t *Transport) ID() string                { return t.id }
func (t *Transport) Kind() media.TransportKind { return t.kind }
func (t *Transport) AppData() media.AppData    { return t.appData }

// Options reports the plain transport flags it was created with.
func (t *Transport) Options() (rtcpMux, comedia bool) { return t.rtcpMux, t.comedia }

func (t *Transport) Parameters() media.TransportParameters {
	p := media.TransportParameters{ID: t.id}
	switch t.kind {
	case media.TransportWebRTC:
		p.ICEParameters = &media.ICEParameters{UsernameFragment: "ufrag-" + t.id[:8], Password: "pwd"}
		p.ICECandidates = []media.ICECandidate{{Foundation: "udpcandidate", Priority: 1, IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host"}}
		p.DTLSParameters = &media.DTLSParameters{Role: "auto", Fingerprints: []media.DTLSFingerprint{{Algorithm: "sha-256", Value: "00:11"}}}
		if t.sctp {
			p.SCTPParameters = &media.SCTPParameters{Port: 5000, OS: 1024, MIS: 1024, MaxMessageSize: 262144}
		}
	case media.TransportPlain:
		p.IP = "127.0.0.1"
		p.Port = 40001
		if !t.rtcpMux {
			p.RTCPPort = 40002
		}
	}
	return p
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Connected returns the parameters of the last Connect call.
func (t *Transport) Connected() *media.ConnectParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) MaxIncomingBitrate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxBitrate
}

func (t *Transport) Traces() []media.TraceType {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.traces)
}

func (t *Transport) Consumers() []*Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.consumers)
}

func (t *Transport) DataConsumers() []*DataConsumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.dataConsumers)
}

func (t *Transport) Producers() []*Producer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.producers)
}

func (t *Transport) DataProducers() []*DataProducer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.dataProducers)
}

func (t *Transport) check(op string) error {
	if t.Closed() {
		return media.ErrClosed
	}
	return t.router.engine.call(op, t.id)
}

func (t *Transport) Connect(_ context.Context, params media.ConnectParameters) error {
	if err := t.check("transport.connect"); err != nil {
		return err
	}
	t.mu.Lock()
	t.connected = &params
	t.mu.Unlock()
	return nil
}

func (t *Transport) RestartICE(context.Context) (media.ICEParameters, error) {
	if err := t.check("transport.restartIce"); err != nil {
		return media.ICEParameters{}, err
	}
	return media.ICEParameters{UsernameFragment: uuid.NewString()[:8], Password: uuid.NewString()}, nil
}

func (t *Transport) SetMaxIncomingBitrate(_ context.Context, bitrate int) error {
	if err := t.check("transport.setMaxIncomingBitrate"); err != nil {
		return err
	}
	t.mu.Lock()
	t.maxBitrate = bitrate
	t.mu.Unlock()
	return nil
}

func (t *Transport) EnableTraceEvent(_ context.Context, types ...media.TraceType) error {
	if err := t.check("transport.enableTraceEvent"); err != nil {
		return err
	}
	t.mu.Lock()
	t.traces = slices.Clone(types)
	t.mu.Unlock()
	return nil
}

func (t *Transport) Stats(context.Context) (media.Stats, error) {
	if err := t.check("transport.stats"); err != nil {
		return nil, err
	}
	return media.Stats{{"type": "transport", "transportId": t.id}}, nil
}

func (t *Transport) Produce(_ context.Context, opts media.ProducerOptions) (media.Producer, error) {
	p := &Producer{
		transport: t,
		id:        uuid.NewString(),
		kind:      opts.Kind,
		params:    opts.RTPParameters,
		appData:   opts.AppData.Clone(),
		paused:    opts.Paused,
	}
	if err := t.check("transport.produce"); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts media.ConsumerOptions) (media.Consumer, error) {
	if err := t.check("transport.consume"); err != nil {
		return nil, err
	}
	p, err := t.router.producer(opts.ProducerID)
	if err != nil {
		return nil, err
	}
	c := &Consumer{
		transport: t,
		producer:  p,
		id:        uuid.NewString(),
		appData:   opts.AppData.Clone(),
		paused:    opts.Paused,
	}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	p.attach(c)
	t.router.engine.Journal.Record("consumer.create", c.id)
	return c, nil
}

func (t *Transport) ProduceData(_ context.Context, opts media.DataProducerOptions) (media.DataProducer, error) {
	if err := t.check("transport.produceData"); err != nil {
		return nil, err
	}
	dp := &DataProducer{
		transport: t,
		id:        uuid.NewString(),
		label:     opts.Label,
		protocol:  opts.Protocol,
		stream:    opts.SCTPStreamParameters,
		appData:   opts.AppData.Clone(),
	}
	t.mu.Lock()
	t.dataProducers = append(t.dataProducers, dp)
	t.mu.Unlock()
	t.router.mu.Lock()
	t.router.dataProducers[dp.id] = dp
	t.router.mu.Unlock()
	return dp, nil
}

func (t *Transport) ConsumeData(_ context.Context, opts media.DataConsumerOptions) (media.DataConsumer, error) {
	if err := t.check("transport.consumeData"); err != nil {
		return nil, err
	}
	dp, err := t.router.dataProducer(opts.DataProducerID)
	if err != nil {
		return nil, err
	}
	dc := &DataConsumer{
		transport: t,
		producer:  dp,
		id:        uuid.NewString(),
		appData:   opts.AppData.Clone(),
	}
	t.mu.Lock()
	t.dataConsumers = append(t.dataConsumers, dc)
	t.mu.Unlock()
	dp.attach(dc)
	t.router.engine.Journal.Record("dataConsumer.create", dc.id)
	return dc, nil
}

func (t *Transport) Close() {
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

	t.router.engine.Journal.Record("transport.close", t.id)
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
	t.onDTLS.Emit(media.DTLSStateClosed)
	t.onClose.Emit()
}

// EmitDTLSState, EmitSCTPState and EmitTrace simulate engine events.
func (t *Transport) EmitDTLSState(s media.DTLSState) { t.onDTLS.Emit(s) }
func (t *Transport) EmitSCTPState(s media.SCTPState) { t.onSCTP.Emit(s) }
func (t *Transport) EmitTrace(tr media.Trace)        { t.onTrace.Emit(tr) }

func (t *Transport) OnClose(fn func()) media.Subscription { return t.onClose.Add(fn) }
func (t *Transport) OnDTLSStateChange(fn func(media.DTLSState)) media.Subscription {
	return t.onDTLS.Add(fn)
}
func (t *Transport) OnSCTPStateChange(fn func(media.SCTPState)) media.Subscription {
	return t.onSCTP.Add(fn)
}
func (t *Transport) OnTrace(fn func(media.Trace)) media.Subscription { return t.onTrace.Add(fn) }

// Producer is a fake producer.
type Producer struct {
	transport *Transport
	id        string
	kind      media.Kind
	params    media.RTPParameters
	appData   media.AppData

	mu        sync.Mutex
	paused    bool
	closed    bool
	consumers []*Consumer

	onClose media.Signal
	onScore media.Listeners[[]media.ProducerScore]
	onTrace media.Listeners[media.Trace]
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

func (p *Producer) attach(c *Consumer) {
	p.mu.Lock()
	p.consumers = append(p.consumers, c)
	p.mu.Unlock()
}

func (p *Producer) setPaused(paused bool) []*Consumer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused == paused {
		return nil
	}
	p.paused = paused
	return slices.Clone(p.consumers)
}

func (p *Producer) Pause(context.Context) error {
	if err := p.transport.router.engine.call("producer.pause", p.id); err != nil {
		return err
	}
	for _, c := range p.setPaused(true) {
		c.onProducerPause.Emit()
	}
	return nil
}

func (p *Producer) Resume(context.Context) error {
	if err := p.transport.router.engine.call("producer.resume", p.id); err != nil {
		return err
	}
	for _, c := range p.setPaused(false) {
		c.onProducerResume.Emit()
	}
	return nil
}

func (p *Producer) Stats(context.Context) (media.Stats, error) {
	if err := p.transport.router.engine.call("producer.stats", p.id); err != nil {
		return nil, err
	}
	return media.Stats{{"type": "inbound-rtp", "producerId": p.id}}, nil
}

func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	consumers := slices.Clone(p.consumers)
	p.mu.Unlock()

	p.transport.router.forget(p.id, "")
	p.transport.router.engine.Journal.Record("producer.close", p.id)
	for _, c := range consumers {
		c.closeBy(&c.onProducerClose)
	}
	p.onClose.Emit()
}

func (p *Producer) EmitScore(scores []media.ProducerScore) { p.onScore.Emit(scores) }

func (p *Producer) OnClose(fn func()) media.Subscription { return p.onClose.Add(fn) }
func (p *Producer) OnScore(fn func([]media.ProducerScore)) media.Subscription {
	return p.onScore.Add(fn)
}
func (p *Producer) OnTrace(fn func(media.Trace)) media.Subscription { return p.onTrace.Add(fn) }

// Consumer is a fake consumer of one Producer.
type Consumer struct {
	transport *Transport
	producer  *Producer
	id        string
	appData   media.AppData

	mu       sync.Mutex
	paused   bool
	closed   bool
	layers   *media.ConsumerLayers
	priority int

	onTransportClose media.Signal
	onProducerClose  media.Signal
	onProducerPause  media.Signal
	onProducerResume media.Signal
	onScore          media.Listeners[media.ConsumerScore]
	onLayers         media.Listeners[*media.ConsumerLayers]
	onTrace          media.Listeners[media.Trace]
}

func (c *Consumer) ID() string                         { return c.id }
func (c *Consumer) ProducerID() string                 { return c.producer.id }
func (c *Consumer) Kind() media.Kind                   { return c.producer.kind }
func (c *Consumer) Type() string                       { return "simple" }
func (c *Consumer) RTPParameters() media.RTPParameters { return c.producer.params }
func (c *Consumer) AppData() media.AppData             { return c.appData }
func (c *Consumer) ProducerPaused() bool               { return c.producer.Paused() }
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

func (c *Consumer) PreferredLayers() *media.ConsumerLayers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.layers
}

func (c *Consumer) Priority() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.priority
}

func (c *Consumer) engine() *Engine { return c.transport.router.engine }

func (c *Consumer) Pause(context.Context) error {
	if err := c.engine().call("consumer.pause", c.id); err != nil {
		return err
	}
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	return nil
}

func (c *Consumer) Resume(context.Context) error {
	if err := c.engine().call("consumer.resume", c.id); err != nil {
		return err
	}
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	return nil
}

func (c *Consumer) SetPreferredLayers(_ context.Context, layers media.ConsumerLayers) error {
	if err := c.engine().call("consumer.setPreferredLayers", c.id); err != nil {
		return err
	}
	c.mu.Lock()
	c.layers = &layers
	c.mu.Unlock()
	return nil
}

func (c *Consumer) SetPriority(_ context.Context, priority int) error {
	if err := c.engine().call("consumer.setPriority", c.id); err != nil {
		return err
	}
	c.mu.Lock()
	c.priority = priority
	c.mu.Unlock()
	return nil
}

func (c *Consumer) RequestKeyFrame(context.Context) error {
	return c.engine().call("consumer.requestKeyFrame", c.id)
}

func (c *Consumer) Stats(context.Context) (media.Stats, error) {
	if err := c.engine().call("consumer.stats", c.id); err != nil {
		return nil, err
	}
	return media.Stats{{"type": "outbound-rtp", "consumerId": c.id}}, nil
}

func (c *Consumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.engine().Journal.Record("consumer.close", c.id)
	}
}

func (c *Consumer) closeBy(sig *media.Signal) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	sig.Emit()
}

func (c *Consumer) EmitScore(s media.ConsumerScore)          { c.onScore.Emit(s) }
func (c *Consumer) EmitLayersChange(l *media.ConsumerLayers) { c.onLayers.Emit(l) }

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

// DataProducer is a fake data producer. Send on any transport delivers to
// its data consumers so bot round trips can be tested.
type DataProducer struct {
	transport *Transport
	id        string
	label     string
	protocol  string
	stream    *media.SCTPStreamParameters
	appData   media.AppData

	mu        sync.Mutex
	closed    bool
	sent      [][]byte
	consumers []*DataConsumer

	onClose media.Signal
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

// Sent returns every payload passed to Send.
func (dp *DataProducer) Sent() [][]byte {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return slices.Clone(dp.sent)
}

func (dp *DataProducer) attach(dc *DataConsumer) {
	dp.mu.Lock()
	dp.consumers = append(dp.consumers, dc)
	dp.mu.Unlock()
}

func (dp *DataProducer) Send(_ context.Context, payload []byte) error {
	if dp.transport.kind != media.TransportDirect {
		return media.ErrNotSupported
	}
	return dp.Deliver(payload)
}

// Deliver simulates a message arriving from the remote side of the producer.
func (dp *DataProducer) Deliver(payload []byte) error {
	if err := dp.transport.router.engine.call("dataProducer.send", dp.id); err != nil {
		return err
	}
	dp.mu.Lock()
	if dp.closed {
		dp.mu.Unlock()
		return media.ErrClosed
	}
	dp.sent = append(dp.sent, slices.Clone(payload))
	consumers := slices.Clone(dp.consumers)
	dp.mu.Unlock()
	for _, dc := range consumers {
		if !dc.Closed() {
			dc.onMessage.Emit(payload)
		}
	}
	return nil
}

func (dp *DataProducer) Stats(context.Context) (media.Stats, error) {
	if err := dp.transport.router.engine.call("dataProducer.stats", dp.id); err != nil {
		return nil, err
	}
	return media.Stats{{"type": "data-producer", "dataProducerId": dp.id}}, nil
}

func (dp *DataProducer) Close() {
	dp.mu.Lock()
	if dp.closed {
		dp.mu.Unlock()
		return
	}
	dp.closed = true
	consumers := slices.Clone(dp.consumers)
	dp.mu.Unlock()

	dp.transport.router.forget("", dp.id)
	dp.transport.router.engine.Journal.Record("dataProducer.close", dp.id)
	for _, dc := range consumers {
		dc.closeBy(&dc.onDataProducerClose)
	}
	dp.onClose.Emit()
}

func (dp *DataProducer) OnClose(fn func()) media.Subscription { return dp.onClose.Add(fn) }

// DataConsumer is a fake data consumer of one DataProducer.
type DataConsumer struct {
	transport *Transport
	producer  *DataProducer
	id        string
	appData   media.AppData

	mu     sync.Mutex
	closed bool

	onTransportClose    media.Signal
	onDataProducerClose media.Signal
	onMessage           media.Listeners[[]byte]
}

func (dc *DataConsumer) ID() string             { return dc.id }
func (dc *DataConsumer) DataProducerID() string { return dc.producer.id }
func (dc *DataConsumer) Label() string          { return dc.producer.label }
func (dc *DataConsumer) Protocol() string       { return dc.producer.protocol }
func (dc *DataConsumer) AppData() media.AppData { return dc.appData }
func (dc *DataConsumer) SCTPStreamParameters() *media.SCTPStreamParameters {
	if dc.transport.kind == media.TransportDirect {
		return nil
	}
	return &media.SCTPStreamParameters{StreamID: 1}
}

func (dc *DataConsumer) Closed() bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.closed
}

func (dc *DataConsumer) Stats(context.Context) (media.Stats, error) {
	if err := dc.transport.router.engine.call("dataConsumer.stats", dc.id); err != nil {
		return nil, err
	}
	return media.Stats{{"type": "data-consumer", "dataConsumerId": dc.id}}, nil
}

func (dc *DataConsumer) Close() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.closed = true
}

func (dc *DataConsumer) closeBy(sig *media.Signal) {
	dc.mu.Lock()
	if dc.closed {
		dc.mu.Unlock()
		return
	}
	dc.closed = true
	dc.mu.Unlock()
	sig.Emit()
}

func (dc *DataConsumer) OnTransportClose(fn func()) media.Subscription {
	return dc.onTransportClose.Add(fn)
}
func (dc *DataConsumer) OnDataProducerClose(fn func()) media.Subscription {
	return dc.onDataProducerClose.Add(fn)
}
func (dc *DataConsumer) OnMessage(fn func([]byte)) media.Subscription { return dc.onMessage.Add(fn) }

// AudioLevelObserver is a fake observer; tests drive it with EmitVolumes and EmitSilence.
type AudioLevelObserver struct {
	router  *Router
	Options media.AudioLevelObserverOptions

	mu        sync.Mutex
	closed    bool
	producers map[string]struct{}

	onVolumes media.Listeners[[]media.AudioLevelVolume]
	onSilence media.Signal
}

func (o *AudioLevelObserver) AddProducer(_ context.Context, producerID string) error {
	if err := o.router.engine.call("observer.addProducer", producerID); err != nil {
		return err
	}
	o.mu.Lock()
	o.producers[producerID] = struct{}{}
	o.mu.Unlock()
	return nil
}

func (o *AudioLevelObserver) RemoveProducer(_ context.Context, producerID string) error {
	o.mu.Lock()
	delete(o.producers, producerID)
	o.mu.Unlock()
	return nil
}

func (o *AudioLevelObserver) Has(producerID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.producers[producerID]
	return ok
}

func (o *AudioLevelObserver) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *AudioLevelObserver) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

// EmitVolumes resolves producerID on the router and emits one volumes entry.
func (o *AudioLevelObserver) EmitVolumes(producerID string, volume int) {
	p, err := o.router.producer(producerID)
	if err != nil {
		return
	}
	o.onVolumes.Emit([]media.AudioLevelVolume{{Producer: p, Volume: volume}})
}

func (o *AudioLevelObserver) EmitSilence() { o.onSilence.Emit() }

func (o *AudioLevelObserver) OnVolumes(fn func([]media.AudioLevelVolume)) media.Subscription {
	return o.onVolumes.Add(fn)
}
func (o *AudioLevelObserver) OnSilence(fn func()) media.Subscription { return o.onSilence.Add(fn) }

var (
	_ media.Engine             = (*Engine)(nil)
	_ media.Router             = (*Router)(nil)
	_ media.Transport          = (*Transport)(nil)
	_ media.Producer           = (*Producer)(nil)
	_ media.Consumer           = (*Consumer)(nil)
	_ media.DataProducer       = (*DataProducer)(nil)
	_ media.DataConsumer       = (*DataConsumer)(nil)
	_ media.AudioLevelObserver = (*AudioLevelObserver)(nil)
)
