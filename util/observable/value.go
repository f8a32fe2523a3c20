// Package observable holds a single value and tells subscribers when it
// changes.
package observable

import (
	"sync"

	"github.com/google/uuid"
)

// Value holds the latest value of type T. Subscribers are called in the
// order values were set, and a subscriber never sees an older value after a
// newer one. When Sets race, intermediate values may be skipped.
//
// Subscribers are called while a delivery lock is held and must not call Set
// on the same Value.
type Value[T any] struct {
	mu        sync.Mutex
	current   T
	version   uint64
	listeners map[uuid.UUID]func(T)

	deliverMu sync.Mutex
	delivered uint64
}

// New returns a Value holding initial.
func New[T any](initial T) *Value[T] {
	return &Value[T]{
		current:   initial,
		listeners: make(map[uuid.UUID]func(T)),
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Set stores val and notifies subscribers.
func (v *Value[T]) Set(val T) {
	v.Store(val)
	v.Flush()
}

// Store replaces the value without notifying. Owners that must keep the
// value consistent with their own locked state call Store under their lock
// and Flush after releasing it.
func (v *Value[T]) Store(val T) {
	v.mu.Lock()
	v.current = val
	v.version++
	v.mu.Unlock()
}

// StoreIf replaces the value without notifying if cond accepts the current
// value. It reports whether the value was replaced.
func (v *Value[T]) StoreIf(cond func(T) bool, val T) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !cond(v.current) {
		return false
	}
	v.current = val
	v.version++
	return true
}

// Flush notifies subscribers of the latest stored value if they have not
// seen it yet.
func (v *Value[T]) Flush() {
	v.deliverMu.Lock()
	defer v.deliverMu.Unlock()

	v.mu.Lock()
	if v.version <= v.delivered {
		v.mu.Unlock()
		return
	}
	val, version := v.current, v.version
	listeners := make([]func(T), 0, len(v.listeners))
	for _, l := range v.listeners {
		listeners = append(listeners, l)
	}
	v.mu.Unlock()

	v.delivered = version
	for _, l := range listeners {
		l(val)
	}
}

// Subscribe registers fn for future changes. It does not receive the
// current value; use Get for that.
func (v *Value[T]) Subscribe(fn func(T)) (cancel func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var id uuid.UUID
	for {
		id = uuid.New()
		if _, ok := v.listeners[id]; !ok {
			break
		}
	}
	v.listeners[id] = fn
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.listeners, id)
	}
}
