// Package event is a small named-event publish/subscribe hub. Handlers run
// synchronously on the publishing goroutine, in subscription order.
package event

import (
	"sort"
	"sync"
	"sync/atomic"
)

type Handler func(args ...any)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      uint64
	name    string
	emitter *Emitter
	once    bool
	fired   atomic.Bool
}

// Cancel stops delivery to this subscription. Safe to call twice.
func (s *Subscription) Cancel() {
	if s == nil || s.emitter == nil {
		return
	}
	s.emitter.remove(s.name, s.id)
}

type entry struct {
	sub *Subscription
	fn  Handler
}

type Emitter struct {
	mu       sync.RWMutex
	counter  uint64
	handlers map[string]map[uint64]entry
}

func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string]map[uint64]entry)}
}

func (e *Emitter) Subscribe(name string, fn Handler) *Subscription {
	return e.add(name, fn, false)
}

// Once subscribes fn for a single delivery.
func (e *Emitter) Once(name string, fn Handler) *Subscription {
	return e.add(name, fn, true)
}

func (e *Emitter) add(name string, fn Handler, once bool) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counter++
	sub := &Subscription{id: e.counter, name: name, emitter: e, once: once}
	m, ok := e.handlers[name]
	if !ok {
		m = make(map[uint64]entry)
		e.handlers[name] = m
	}
	m[sub.id] = entry{sub: sub, fn: fn}
	return sub
}

func (e *Emitter) remove(name string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.handlers[name]
	if !ok {
		return
	}
	delete(m, id)
	if len(m) == 0 {
		delete(e.handlers, name)
	}
}

// Publish delivers args to every current subscriber of name and reports
// how many handlers ran. Handlers may subscribe or cancel while running.
func (e *Emitter) Publish(name string, args ...any) int {
	e.mu.RLock()
	m := e.handlers[name]
	list := make([]entry, 0, len(m))
	for _, en := range m {
		list = append(list, en)
	}
	e.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].sub.id < list[j].sub.id })

	n := 0
	for _, en := range list {
		if en.sub.once {
			if !en.sub.fired.CompareAndSwap(false, true) {
				continue
			}
			en.sub.Cancel()
		}
		en.fn(args...)
		n++
	}
	return n
}

// Count returns the number of subscribers of name.
func (e *Emitter) Count(name string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[name])
}

func (e *Emitter) UnsubscribeAll() {
	e.mu.Lock()
	e.handlers = make(map[string]map[uint64]entry)
	e.mu.Unlock()
}
