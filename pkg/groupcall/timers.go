package groupcall

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// timeoutSet schedules at most one callback per call. Callbacks receive the
// call handle only; the owner must check the call still exists when they
// fire, since timers are not cancelled when a call is destroyed.
type timeoutSet struct {
	name     string
	clock    clock.Clock
	callback func(CallID)

	mu     sync.Mutex
	timers map[CallID]*clock.Timer
	closed bool
}

func newTimeoutSet(name string, clk clock.Clock, callback func(CallID)) *timeoutSet {
	return &timeoutSet{
		name:     name,
		clock:    clk,
		callback: callback,
		timers:   make(map[CallID]*clock.Timer),
	}
}

// set (re)schedules the callback for id after d, replacing a pending one.
func (t *timeoutSet) set(id CallID, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	if old, ok := t.timers[id]; ok {
		old.Stop()
	}
	t.schedule(id, d)
}

// add schedules the callback for id after d unless one is already pending.
func (t *timeoutSet) add(id CallID, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	if _, ok := t.timers[id]; ok {
		return
	}
	t.schedule(id, d)
}

func (t *timeoutSet) schedule(id CallID, d time.Duration) {
	var timer *clock.Timer
	timer = t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		if t.timers[id] != timer {
			t.mu.Unlock()
			return
		}
		delete(t.timers, id)
		closed := t.closed
		t.mu.Unlock()

		if !closed {
			t.callback(id)
		}
	})
	t.timers[id] = timer
}

// has reports whether a callback is pending for id.
func (t *timeoutSet) has(id CallID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[id]
	return ok
}

// close stops every pending timer; later schedules are ignored.
func (t *timeoutSet) close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
