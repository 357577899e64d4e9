package sfu

import (
	"maps"
	"slices"
	"sync"
)

// DataRelay fans the messages of one data producer out to its data consumers.
type DataRelay struct {
	mu     sync.RWMutex
	closed bool
	subs   map[string]func([]byte)
}

func NewDataRelay() *DataRelay {
	return &DataRelay{subs: make(map[string]func([]byte))}
}

// Subscribe reports false once the relay is closed.
func (d *DataRelay) Subscribe(consumerID string, fn func([]byte)) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.subs[consumerID] = fn
	return true
}

func (d *DataRelay) Unsubscribe(consumerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, consumerID)
}

// Publish delivers payload to every subscriber and returns how many got it.
func (d *DataRelay) Publish(payload []byte) int {
	d.mu.RLock()
	fns := slices.Collect(maps.Values(d.subs))
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(payload)
	}
	return len(fns)
}

func (d *DataRelay) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Close detaches everyone and returns the ids that were subscribed.
func (d *DataRelay) Close() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	ids := slices.Collect(maps.Keys(d.subs))
	d.subs = make(map[string]func([]byte))
	return ids
}
