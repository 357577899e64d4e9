package media

import "sync"

type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a plain func to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

// Subscriptions collects tokens so an owner can detach all of them at once.
type Subscriptions struct {
	mu   sync.Mutex
	subs []Subscription
}

func (s *Subscriptions) Add(subs ...Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, subs...)
}

func (s *Subscriptions) Unsubscribe() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// Listeners is a threadsafe callback list for one event of one handle.
// Callbacks run on the emitting goroutine, outside the lock.
type Listeners[T any] struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(T)
}

func (l *Listeners[T]) Add(fn func(T)) Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return SubscriptionFunc(func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	})
}

func (l *Listeners[T]) Emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

func (l *Listeners[T]) Clear() {
	l.mu.Lock()
	l.fns = nil
	l.mu.Unlock()
}

// Signal is a Listeners for argument-less events.
type Signal struct {
	l Listeners[struct{}]
}

func (s *Signal) Add(fn func()) Subscription {
	return s.l.Add(func(struct{}) { fn() })
}

func (s *Signal) Emit()    { s.l.Emit(struct{}{}) }
func (s *Signal) Len() int { return s.l.Len() }
func (s *Signal) Clear()   { s.l.Clear() }
