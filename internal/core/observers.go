package core

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Observers is an ordered list of independent listeners. Every listener
// receives every notification exactly once; a panicking listener is logged
// and does not affect the others.
type Observers[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(T)
	order  []int
}

// Subscribe registers fn and returns its unsubscribe func. Unsubscribe is
// idempotent.
func (o *Observers[T]) Subscribe(fn func(T)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subs == nil {
		o.subs = make(map[int]func(T))
	}
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	o.order = append(o.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.subs, id)
			for i, v := range o.order {
				if v == id {
					o.order = append(o.order[:i], o.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (o *Observers[T]) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.subs)
}

// Notify calls listeners outside the lock so they may (un)subscribe.
func (o *Observers[T]) Notify(v T) {
	o.mu.RLock()
	fns := make([]func(T), 0, len(o.order))
	for _, id := range o.order {
		fns = append(fns, o.subs[id])
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		notifyOne(fn, v)
	}
}

func notifyOne[T any](fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "core.observers").Interface("panic", r).Msg("listener panicked")
		}
	}()
	fn(v)
}

// Value is an observable piece of state: subscribers get every Set.
type Value[T any] struct {
	mu  sync.RWMutex
	v   T
	obs Observers[T]
}

func (s *Value[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v
}

func (s *Value[T]) Set(v T) {
	s.mu.Lock()
	s.v = v
	s.mu.Unlock()
	s.obs.Notify(v)
}

// Subscribe delivers the current value immediately, then every change.
func (s *Value[T]) Subscribe(fn func(T)) func() {
	unsub := s.obs.Subscribe(fn)
	fn(s.Get())
	return unsub
}

// Readable is the subscriber side of a Value.
type Readable[T any] interface {
	Get() T
	Subscribe(fn func(T)) func()
}
