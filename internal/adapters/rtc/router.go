package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/voiceroom/internal/app/sfu"
	"github.com/dkeye/voiceroom/internal/media"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Router holds the producers of one room and forwards their packets to
// consumers on any of its transports.
type Router struct {
	id     string
	api    *webrtc.API
	caps   media.RTPCapabilities
	cfg    Config
	relays *sfu.RelayManager

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.RWMutex
	closed        bool
	transports    map[string]*transport
	producers     map[string]*Producer
	dataProducers map[string]*DataProducer
	observers     map[*AudioLevelObserver]struct{}

	onClose func()
}

func newRouter(id string, api *webrtc.API, caps media.RTPCapabilities, cfg Config) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		id:            id,
		api:           api,
		caps:          caps,
		cfg:           cfg,
		relays:        sfu.NewRelayManager(),
		ctx:           ctx,
		cancel:        cancel,
		transports:    make(map[string]*transport),
		producers:     make(map[string]*Producer),
		dataProducers: make(map[string]*DataProducer),
		observers:     make(map[*AudioLevelObserver]struct{}),
	}
}

func (r *Router) ID() string                            { return r.id }
func (r *Router) RTPCapabilities() media.RTPCapabilities { return r.caps }

func (r *Router) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// CanConsume reports whether a device with caps can decode the producer's codec.
func (r *Router) CanConsume(producerID string, caps media.RTPCapabilities) bool {
	p, err := r.producer(producerID)
	if err != nil {
		return false
	}
	params := p.RTPParameters()
	if len(params.Codecs) == 0 {
		return false
	}
	return caps.Supports(params.Codecs[0].MimeType)
}

func (r *Router) CreateWebRTCTransport(ctx context.Context, opts media.WebRTCTransportOptions) (media.Transport, error) {
	if r.Closed() {
		return nil, media.ErrClosed
	}
	t, err := newWebRTCTransport(ctx, r, opts)
	if err != nil {
		return nil, err
	}
	if err := r.addTransport(t.transport); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (r *Router) CreatePlainTransport(_ context.Context, opts media.PlainTransportOptions) (media.Transport, error) {
	if r.Closed() {
		return nil, media.ErrClosed
	}
	if opts.EnableSCTP {
		return nil, fmt.Errorf("rtc: sctp over plain transport: %w", media.ErrNotSupported)
	}
	t, err := newPlainTransport(r, opts)
	if err != nil {
		return nil, err
	}
	if err := r.addTransport(t.transport); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (r *Router) CreateDirectTransport(_ context.Context, opts media.DirectTransportOptions) (media.Transport, error) {
	t := newDirectTransport(r, opts)
	if err := r.addTransport(t.transport); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Router) CreateAudioLevelObserver(_ context.Context, opts media.AudioLevelObserverOptions) (media.AudioLevelObserver, error) {
	o := newAudioLevelObserver(r, opts)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, media.ErrClosed
	}
	r.observers[o] = struct{}{}
	r.mu.Unlock()
	o.start(r.ctx)
	return o, nil
}

// Close closes every transport and observer, then stops all relays.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	observers := make([]*AudioLevelObserver, 0, len(r.observers))
	for o := range r.observers {
		observers = append(observers, o)
	}
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	for _, o := range observers {
		o.Close()
	}
	r.relays.Close()
	r.cancel()
	if r.onClose != nil {
		r.onClose()
	}
	log.Info().Str("module", "rtc").Str("router", r.id).Msg("router closed")
}

func (r *Router) newID() string { return uuid.NewString() }

func (r *Router) addTransport(t *transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return media.ErrClosed
	}
	r.transports[t.id] = t
	return nil
}

func (r *Router) removeTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *Router) removeProducer(p *Producer) {
	r.mu.Lock()
	delete(r.producers, p.id)
	observers := make([]*AudioLevelObserver, 0, len(r.observers))
	for o := range r.observers {
		observers = append(observers, o)
	}
	r.mu.Unlock()
	for _, o := range observers {
		o.forget(p.id)
	}
}

func (r *Router) producer(id string) (*Producer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	if !ok {
		return nil, fmt.Errorf("rtc: producer %s: %w", id, media.ErrUnknownID)
	}
	return p, nil
}

func (r *Router) addDataProducer(dp *DataProducer) {
	r.mu.Lock()
	r.dataProducers[dp.id] = dp
	r.mu.Unlock()
}

func (r *Router) removeDataProducer(id string) {
	r.mu.Lock()
	delete(r.dataProducers, id)
	r.mu.Unlock()
}

func (r *Router) dataProducer(id string) (*DataProducer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dp, ok := r.dataProducers[id]
	if !ok {
		return nil, fmt.Errorf("rtc: data producer %s: %w", id, media.ErrUnknownID)
	}
	return dp, nil
}

func (r *Router) removeObserver(o *AudioLevelObserver) {
	r.mu.Lock()
	delete(r.observers, o)
	r.mu.Unlock()
}

// observe is the relay tap of every producer.
func (r *Router) observe(p *Producer, pkt *rtp.Packet) {
	if p.kind != media.KindAudio || p.levelExtID == 0 {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for o := range r.observers {
		o.observe(p.id, p.levelExtID, pkt)
	}
}
