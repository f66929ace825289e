// Package event provides a small typed publish/subscribe registry. Each
// component owns its dispatchers; nothing here is global.
package event

import (
	"sync"
	"sync/atomic"
)

// Handle identifies one subscription on a Dispatcher.
type Handle uint64

type subscriber[T any] struct {
	handle Handle
	fn     func(T) bool
	done   atomic.Bool
}

// Dispatcher fans a value out to its subscribers in registration order.
// The zero value is ready to use. Subscribers run on the goroutine that
// calls Fire, outside the dispatcher's lock, so they may subscribe, forget
// or fire again. Concurrent Fire calls may run one subscriber concurrently.
type Dispatcher[T any] struct {
	mu   sync.Mutex
	next Handle
	subs []*subscriber[T]
}

// On registers fn for every subsequent Fire.
func (d *Dispatcher[T]) On(fn func(T)) Handle {
	return d.Listen(func(v T) bool {
		fn(v)
		return true
	})
}

// Once registers fn for the next Fire only.
func (d *Dispatcher[T]) Once(fn func(T)) Handle {
	return d.Listen(func(v T) bool {
		fn(v)
		return false
	})
}

// Listen registers fn until it returns false, at which point the
// subscription is removed and fn is never invoked again.
func (d *Dispatcher[T]) Listen(fn func(T) bool) Handle {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.next++
	d.subs = append(d.subs, &subscriber[T]{handle: d.next, fn: fn})
	return d.next
}

// Forget removes a subscription. Unknown or already removed handles are ignored.
func (d *Dispatcher[T]) Forget(h Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, s := range d.subs {
		if s.handle == h {
			s.done.Store(true)
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return
		}
	}
}

// Fire delivers v to a snapshot of the current subscribers.
func (d *Dispatcher[T]) Fire(v T) {
	d.mu.Lock()
	snapshot := make([]*subscriber[T], len(d.subs))
	copy(snapshot, d.subs)
	d.mu.Unlock()

	for _, s := range snapshot {
		if s.done.Load() {
			continue
		}
		if !s.fn(v) {
			if s.done.CompareAndSwap(false, true) {
				d.Forget(s.handle)
			}
		}
	}
}

// Len returns the number of live subscriptions.
func (d *Dispatcher[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Clear removes every subscription.
func (d *Dispatcher[T]) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, s := range d.subs {
		s.done.Store(true)
	}
	d.subs = nil
}
