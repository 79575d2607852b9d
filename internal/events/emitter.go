// Package events provides a small publish/subscribe emitter with ordered
// listener lists per event name.
package events

import "sync"

// ListenerID identifies one registration returned by On or Once.
type ListenerID uint64

type listener[T any] struct {
	id      ListenerID
	fn      func(T)
	once    bool
	removed bool
}

// Emitter dispatches values of type T to listeners registered under keys of
// type K. Listeners run synchronously on the emitting goroutine, in
// registration order. The zero value is not usable; use New.
type Emitter[K comparable, T any] struct {
	mu        sync.Mutex
	nextID    ListenerID
	listeners map[K][]*listener[T]
}

func New[K comparable, T any]() *Emitter[K, T] {
	return &Emitter[K, T]{
		listeners: make(map[K][]*listener[T]),
	}
}

// On registers fn for key. Registering the same function twice yields two
// independent registrations.
func (e *Emitter[K, T]) On(key K, fn func(T)) ListenerID {
	return e.add(key, fn, false)
}

// Once registers fn for key and removes it before its first invocation.
func (e *Emitter[K, T]) Once(key K, fn func(T)) ListenerID {
	return e.add(key, fn, true)
}

func (e *Emitter[K, T]) add(key K, fn func(T), once bool) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	l := &listener[T]{id: e.nextID, fn: fn, once: once}
	e.listeners[key] = append(e.listeners[key], l)
	return l.id
}

// Off removes the registration id under key. It reports whether a listener
// was removed. Removing a listener while an Emit is in progress prevents it
// from being called later in that same dispatch.
func (e *Emitter[K, T]) Off(key K, id ListenerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.listeners[key]
	for i, l := range list {
		if l.id != id {
			continue
		}
		l.removed = true
		e.setListLocked(key, append(list[:i:i], list[i+1:]...))
		return true
	}
	return false
}

// RemoveAll drops every listener for the given keys, or for all keys when
// none are given.
func (e *Emitter[K, T]) RemoveAll(keys ...K) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(keys) == 0 {
		for _, list := range e.listeners {
			markRemoved(list)
		}
		e.listeners = make(map[K][]*listener[T])
		return
	}
	for _, key := range keys {
		markRemoved(e.listeners[key])
		delete(e.listeners, key)
	}
}

// ListenerCount returns the number of listeners registered for key.
func (e *Emitter[K, T]) ListenerCount(key K) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[key])
}

// Emit calls every listener registered for key with v and reports whether
// there were any. A panic in a listener propagates to the caller.
func (e *Emitter[K, T]) Emit(key K, v T) bool {
	e.mu.Lock()
	snapshot := append([]*listener[T](nil), e.listeners[key]...)
	e.mu.Unlock()

	if len(snapshot) == 0 {
		return false
	}

	for _, l := range snapshot {
		if !e.claim(key, l) {
			continue
		}
		l.fn(v)
	}
	return true
}

// claim reports whether l should still be invoked, and unregisters one-shot
// listeners before they run.
func (e *Emitter[K, T]) claim(key K, l *listener[T]) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if l.removed {
		return false
	}
	if l.once {
		l.removed = true
		list := e.listeners[key]
		for i, cur := range list {
			if cur == l {
				e.setListLocked(key, append(list[:i:i], list[i+1:]...))
				break
			}
		}
	}
	return true
}

func (e *Emitter[K, T]) setListLocked(key K, list []*listener[T]) {
	if len(list) == 0 {
		delete(e.listeners, key)
		return
	}
	e.listeners[key] = list
}

func markRemoved[T any](list []*listener[T]) {
	for _, l := range list {
		l.removed = true
	}
}
