package scheduler

import (
	"sync"
	"time"
)

type pending struct {
	timer *time.Timer
	fn    func()
}

// Debouncer runs fn once per key after window has passed without another
// Schedule call for the same key (trailing edge).
type Debouncer[K comparable] struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[K]*pending
	running sync.WaitGroup
	stopped bool
}

func NewDebouncer[K comparable](window time.Duration) *Debouncer[K] {
	return &Debouncer[K]{
		window:  window,
		pending: make(map[K]*pending),
	}
}

// Schedule replaces any pending run for key. Returns false after Stop.
func (d *Debouncer[K]) Schedule(key K, fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
	}
	p := &pending{fn: fn}
	p.timer = time.AfterFunc(d.window, func() { d.fire(key, p) })
	d.pending[key] = p
	return true
}

func (d *Debouncer[K]) fire(key K, p *pending) {
	d.mu.Lock()
	if d.pending[key] != p {
		// replaced or cancelled after the timer already started
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.running.Add(1)
	d.mu.Unlock()

	defer d.running.Done()
	p.fn()
}

// Cancel drops the pending run for key.
func (d *Debouncer[K]) Cancel(key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(d.pending, key)
	return true
}

func (d *Debouncer[K]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Flush runs every pending fn now, on the caller's goroutine, and waits for
// runs already in flight.
func (d *Debouncer[K]) Flush() {
	d.mu.Lock()
	due := make([]*pending, 0, len(d.pending))
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
		due = append(due, p)
	}
	d.running.Add(len(due))
	d.mu.Unlock()

	for _, p := range due {
		func() {
			defer d.running.Done()
			p.fn()
		}()
	}
	d.running.Wait()
}

// Stop cancels pending runs and waits for in-flight ones to finish.
func (d *Debouncer[K]) Stop() {
	d.mu.Lock()
	d.stopped = true
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()
	d.running.Wait()
}
