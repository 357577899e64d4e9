// Package mediatest is an in-memory media.Engine for tests.
//
// Handles behave like the real engine as far as the session layer can see:
// closing a transport cascades to its producers and consumers, closing a
// producer closes its consumers, and every call is appended to a shared
// Journal so tests can assert ordering.
package mediatest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/voiceroom/internal/media"
	"github.com/google/uuid"
)

// Call is one journal entry: an operation and the handle id it acted on.
type Call struct {
	Op string
	ID string
}

// Journal is an ordered, threadsafe log of engine and channel calls.
type Journal struct {
	mu    sync.Mutex
	calls []Call
}

func (j *Journal) Record(op, id string) {
	j.mu.Lock()
	j.calls = append(j.calls, Call{Op: op, ID: id})
	j.mu.Unlock()
}

func (j *Journal) Calls() []Call {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.calls)
}

// Index returns the position of the first matching call, or -1.
func (j *Journal) Index(op, id string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Index(j.calls, Call{Op: op, ID: id})
}

// Count returns how many calls match op (and id when non-empty).
func (j *Journal) Count(op, id string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, c := range j.calls {
		if c.Op == op && (id == "" || c.ID == id) {
			n++
		}
	}
	return n
}

// Engine is the fake engine. Zero value is not usable; call NewEngine.
type Engine struct {
	Journal *Journal

	mu       sync.Mutex
	routers  []*Router
	failures map[string]error
}

func NewEngine() *Engine {
	return &Engine{Journal: &Journal{}, failures: make(map[string]error)}
}

// Fail makes every later call of op return err. A nil err clears it.
func (e *Engine) Fail(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failures, op)
		return
	}
	e.failures[op] = err
}

func (e *Engine) call(op, id string) error {
	e.mu.Lock()
	err := e.failures[op]
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.Journal.Record(op, id)
	return nil
}

func (e *Engine) Routers() []*Router {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.routers)
}

func (e *Engine) CreateRouter(_ context.Context, opts media.RouterOptions) (media.Router, error) {
	r := &Router{
		engine:        e,
		id:            uuid.NewString(),
		caps:          media.RTPCapabilities{Codecs: slices.Clone(opts.MediaCodecs)},
		producers:     make(map[string]*Producer),
		dataProducers: make(map[string]*DataProducer),
	}
	if err := e.call("router.create", r.id); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.routers = append(e.routers, r)
	e.mu.Unlock()
	return r, nil
}

func (e *Engine) Close() {
	for _, r := range e.Routers() {
		r.Close()
	}
}

// Router tracks every handle it produced so CanConsume and cascades work.
type Router struct {
	engine *Engine
	id     string
	caps   media.RTPCapabilities

	mu            sync.Mutex
	closed        bool
	transports    []*Transport
	producers     map[string]*Producer
	dataProducers map[string]*DataProducer
	observers     []*AudioLevelObserver
}

func (r *Router) ID() string                             { return r.id }
func (r *Router) RTPCapabilities() media.RTPCapabilities { return r.caps }

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// CanConsume accepts when the producer exists and its first codec is in caps.
func (r *Router) CanConsume(producerID string, caps media.RTPCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok || p.Closed() {
		return false
	}
	codecs := p.params.Codecs
	return len(codecs) > 0 && caps.Supports(codecs[0].MimeType)
}

func (r *Router) Transports() []*Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.transports)
}

func (r *Router) Observers() []*AudioLevelObserver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.observers)
}

func (r *Router) newTransport(kind media.TransportKind, appData media.AppData, sctp bool) (*Transport, error) {
	if r.Closed() {
		return nil, media.ErrClosed
	}
	t := &Transport{
		router:  r,
		id:      uuid.NewString(),
		kind:    kind,
		appData: appData.Clone(),
		sctp:    sctp,
	}
	if err := r.engine.call("transport.create."+string(kind), t.id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.transports = append(r.transports, t)
	r.mu.Unlock()
	return t, nil
}

func (r *Router) CreateWebRTCTransport(_ context.Context, opts media.WebRTCTransportOptions) (media.Transport, error) {
	return r.newTransport(media.TransportWebRTC, opts.AppData, opts.EnableSCTP)
}

func (r *Router) CreatePlainTransport(_ context.Context, opts media.PlainTransportOptions) (media.Transport, error) {
	t, err := r.newTransport(media.TransportPlain, opts.AppData, opts.EnableSCTP)
	if err != nil {
		return nil, err
	}
	t.rtcpMux = opts.RTCPMux
	t.comedia = opts.Comedia
	return t, nil
}

func (r *Router) CreateDirectTransport(_ context.Context, opts media.DirectTransportOptions) (media.Transport, error) {
	return r.newTransport(media.TransportDirect, opts.AppData, true)
}

func (r *Router) CreateAudioLevelObserver(_ context.Context, opts media.AudioLevelObserverOptions) (media.AudioLevelObserver, error) {
	o := &AudioLevelObserver{router: r, Options: opts, producers: make(map[string]struct{})}
	if err := r.engine.call("observer.create", r.id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
	return o, nil
}

func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := slices.Clone(r.transports)
	observers := slices.Clone(r.observers)
	r.mu.Unlock()

	r.engine.Journal.Record("router.close", r.id)
	for _, t := range transports {
		t.Close()
	}
	for _, o := range observers {
		o.Close()
	}
}

func (r *Router) producer(id string) (*Producer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	if !ok {
		return nil, fmt.Errorf("producer %q: %w", id, media.ErrUnknownID)
	}
	return p, nil
}

func (r *Router) dataProducer(id string) (*DataProducer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dp, ok := r.dataProducers[id]
	if !ok {
		return nil, fmt.Errorf("data producer %q: %w", id, media.ErrUnknownID)
	}
	return dp, nil
}

func (r *Router) forget(producerID, dataProducerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if producerID != "" {
		delete(r.producers, producerID)
	}
	if dataProducerID != "" {
		delete(r.dataProducers, dataProducerID)
	}
}
