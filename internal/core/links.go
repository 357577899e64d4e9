package core

import (
	"sync"

	"github.com/dkeye/voiceroom/internal/media"
)

type handle interface {
	ID() string
	Closed() bool
}

type link[T handle] struct {
	handle T
	subs   []media.Subscription
}

// LinkCounts is a snapshot of how many handles a participant owns.
type LinkCounts struct {
	Transports    int `json:"transports"`
	Producers     int `json:"producers"`
	Consumers     int `json:"consumers"`
	DataProducers int `json:"dataProducers"`
	DataConsumers int `json:"dataConsumers"`
}

// MediaLinks is the threadsafe set of media handles owned by one participant.
// Entries leave the maps only on the engine-reported close of the handle
// (or an explicit Remove*), never the other way round.
type MediaLinks struct {
	mu     sync.RWMutex
	closed bool

	transports    map[string]link[media.Transport]
	producers     map[string]link[media.Producer]
	consumers     map[string]link[media.Consumer]
	dataProducers map[string]link[media.DataProducer]
	dataConsumers map[string]link[media.DataConsumer]

	// producer ids with a live or in-flight consumer toward this participant
	claims     map[string]struct{}
	dataClaims map[string]struct{}
}

func NewMediaLinks() *MediaLinks {
	return &MediaLinks{
		transports:    make(map[string]link[media.Transport]),
		producers:     make(map[string]link[media.Producer]),
		consumers:     make(map[string]link[media.Consumer]),
		dataProducers: make(map[string]link[media.DataProducer]),
		dataConsumers: make(map[string]link[media.DataConsumer]),
		claims:        make(map[string]struct{}),
		dataClaims:    make(map[string]struct{}),
	}
}

func (l *MediaLinks) AddTransport(t media.Transport) bool {
	return addLink(l, l.transports, t, func(remove func()) []media.Subscription {
		return []media.Subscription{t.OnClose(remove)}
	}, nil)
}

func (l *MediaLinks) Transport(id string) (media.Transport, bool) {
	return getLink(l, l.transports, id)
}

func (l *MediaLinks) Transports() []media.Transport {
	return listLinks(l, l.transports)
}

// ConsumingTransport returns the transport tagged for consuming.
func (l *MediaLinks) ConsumingTransport() (media.Transport, bool) {
	for _, t := range l.Transports() {
		if t.AppData().Bool("consuming") {
			return t, true
		}
	}
	return nil, false
}

func (l *MediaLinks) AddProducer(p media.Producer) bool {
	return addLink(l, l.producers, p, func(remove func()) []media.Subscription {
		return []media.Subscription{p.OnClose(remove)}
	}, nil)
}

func (l *MediaLinks) Producer(id string) (media.Producer, bool) {
	return getLink(l, l.producers, id)
}

func (l *MediaLinks) Producers() []media.Producer {
	return listLinks(l, l.producers)
}

func (l *MediaLinks) RemoveProducer(id string) {
	if p, ok := l.Producer(id); ok {
		dropLink(l, l.producers, id, p)
	}
}

// AddConsumer stores c; it leaves the map when its transport or producer closes,
// releasing the producer claim.
func (l *MediaLinks) AddConsumer(c media.Consumer) bool {
	producerID := c.ProducerID()
	return addLink(l, l.consumers, c, func(remove func()) []media.Subscription {
		return []media.Subscription{c.OnTransportClose(remove), c.OnProducerClose(remove)}
	}, func() { l.ReleaseProducer(producerID) })
}

func (l *MediaLinks) Consumer(id string) (media.Consumer, bool) {
	return getLink(l, l.consumers, id)
}

func (l *MediaLinks) Consumers() []media.Consumer {
	return listLinks(l, l.consumers)
}

func (l *MediaLinks) AddDataProducer(dp media.DataProducer) bool {
	return addLink(l, l.dataProducers, dp, func(remove func()) []media.Subscription {
		return []media.Subscription{dp.OnClose(remove)}
	}, nil)
}

func (l *MediaLinks) DataProducer(id string) (media.DataProducer, bool) {
	return getLink(l, l.dataProducers, id)
}

func (l *MediaLinks) DataProducers() []media.DataProducer {
	return listLinks(l, l.dataProducers)
}

func (l *MediaLinks) AddDataConsumer(dc media.DataConsumer) bool {
	dataProducerID := dc.DataProducerID()
	return addLink(l, l.dataConsumers, dc, func(remove func()) []media.Subscription {
		return []media.Subscription{dc.OnTransportClose(remove), dc.OnDataProducerClose(remove)}
	}, func() { l.ReleaseDataProducer(dataProducerID) })
}

func (l *MediaLinks) DataConsumer(id string) (media.DataConsumer, bool) {
	return getLink(l, l.dataConsumers, id)
}

func (l *MediaLinks) DataConsumers() []media.DataConsumer {
	return listLinks(l, l.dataConsumers)
}

// ClaimProducer reserves the right to create the single consumer of producerID
// for this participant. It fails if one exists or is being created.
func (l *MediaLinks) ClaimProducer(producerID string) bool {
	return claim(l, l.claims, producerID)
}

func (l *MediaLinks) ReleaseProducer(producerID string) {
	release(l, l.claims, producerID)
}

func (l *MediaLinks) ClaimDataProducer(dataProducerID string) bool {
	return claim(l, l.dataClaims, dataProducerID)
}

func (l *MediaLinks) ReleaseDataProducer(dataProducerID string) {
	release(l, l.dataClaims, dataProducerID)
}

func (l *MediaLinks) Counts() LinkCounts {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LinkCounts{
		Transports:    len(l.transports),
		Producers:     len(l.producers),
		Consumers:     len(l.consumers),
		DataProducers: len(l.dataProducers),
		DataConsumers: len(l.dataConsumers),
	}
}

func (l *MediaLinks) IsClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

// Close detaches every observer, empties the maps and returns the transports
// the owner must close. Later Add* calls fail.
func (l *MediaLinks) Close() []media.Transport {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	transports := make([]media.Transport, 0, len(l.transports))
	var subs []media.Subscription
	for _, e := range l.transports {
		transports = append(transports, e.handle)
		subs = append(subs, e.subs...)
	}
	subs = append(subs, collectSubs(l.producers)...)
	subs = append(subs, collectSubs(l.consumers)...)
	subs = append(subs, collectSubs(l.dataProducers)...)
	subs = append(subs, collectSubs(l.dataConsumers)...)
	// The map fields are never reassigned: accessors hand them to the
	// generic helpers before taking the lock.
	clear(l.transports)
	clear(l.producers)
	clear(l.consumers)
	clear(l.dataProducers)
	clear(l.dataConsumers)
	clear(l.claims)
	clear(l.dataClaims)
	l.mu.Unlock()

	unsubscribeAll(subs)
	return transports
}

func addLink[T handle](l *MediaLinks, m map[string]link[T], h T, watch func(remove func()) []media.Subscription, onRemove func()) bool {
	id := h.ID()
	subs := watch(func() {
		if dropLink(l, m, id, h) && onRemove != nil {
			onRemove()
		}
	})

	l.mu.Lock()
	_, dup := m[id]
	if l.closed || dup || h.Closed() {
		l.mu.Unlock()
		unsubscribeAll(subs)
		return false
	}
	m[id] = link[T]{handle: h, subs: subs}
	l.mu.Unlock()
	return true
}

func dropLink[T handle](l *MediaLinks, m map[string]link[T], id string, h T) bool {
	l.mu.Lock()
	e, ok := m[id]
	if !ok || any(e.handle) != any(h) {
		l.mu.Unlock()
		return false
	}
	delete(m, id)
	l.mu.Unlock()
	unsubscribeAll(e.subs)
	return true
}

func getLink[T handle](l *MediaLinks, m map[string]link[T], id string) (T, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := m[id]
	return e.handle, ok
}

func listLinks[T handle](l *MediaLinks, m map[string]link[T]) []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]T, 0, len(m))
	for _, e := range m {
		out = append(out, e.handle)
	}
	return out
}

func collectSubs[T handle](m map[string]link[T]) []media.Subscription {
	var subs []media.Subscription
	for _, e := range m {
		subs = append(subs, e.subs...)
	}
	return subs
}

func claim(l *MediaLinks, m map[string]struct{}, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	if _, taken := m[id]; taken {
		return false
	}
	m[id] = struct{}{}
	return true
}

func release(l *MediaLinks, m map[string]struct{}, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(m, id)
}

func unsubscribeAll(subs []media.Subscription) {
	for _, s := range subs {
		s.Unsubscribe()
	}
}
