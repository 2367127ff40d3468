package groupcall

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// OpKind identifies a kind of mutating request arbitrated by generations.
type OpKind int

const (
	OpJoin OpKind = iota
	OpMute
	OpVolume
	OpHandRaise
	OpRecording
	OpTitle
	OpMuteNewParticipants
	OpSync

	opKindCount
)

func (k OpKind) String() string {
	switch k {
	case OpJoin:
		return "join"
	case OpMute:
		return "mute"
	case OpVolume:
		return "volume"
	case OpHandRaise:
		return "hand_raise"
	case OpRecording:
		return "recording"
	case OpTitle:
		return "title"
	case OpMuteNewParticipants:
		return "mute_new_participants"
	case OpSync:
		return "sync"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// opSlot is the unit of supersession: a kind of request on a call, aimed at
// one participant for per-participant kinds and at the call otherwise.
type opSlot struct {
	call   CallID
	kind   OpKind
	target ParticipantID
}

// Coordinator lets only the most recent request of each slot take effect.
//
// Generations are drawn from a process-wide counter per kind, so they grow
// monotonically for every (call, kind, target) and never repeat.
type Coordinator struct {
	mu      sync.Mutex
	logger  *zap.Logger
	seeds   [opKindCount]Generation
	live    map[opSlot]Generation
	waiters map[opSlot]waiter

	staleCompletions int64
	superseded       int64
}

// NewCoordinator creates a coordinator.
func NewCoordinator(logger *zap.Logger) *Coordinator {
	return &Coordinator{
		logger:  logger,
		live:    make(map[opSlot]Generation),
		waiters: make(map[opSlot]waiter),
	}
}

// Begin starts a new request and returns its generation. A request still
// pending in the same slot is superseded: its waiter, if any, fails with
// ErrSuperseded. w may be nil for requests nobody waits on.
func (c *Coordinator) Begin(kind OpKind, call CallID, target ParticipantID, w waiter) Generation {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot := opSlot{call: call, kind: kind, target: target}
	c.seeds[kind]++
	gen := c.seeds[kind]

	if prev, ok := c.live[slot]; ok {
		c.superseded++
		c.logger.Debug("Superseding pending request",
			zap.Int32("callID", int32(call)),
			zap.Stringer("kind", kind),
			zap.String("target", string(target)),
			zap.Uint64("previousGeneration", uint64(prev)),
			zap.Uint64("generation", uint64(gen)),
		)
	}
	if old, ok := c.waiters[slot]; ok {
		old.Fail(ErrSuperseded)
		delete(c.waiters, slot)
	}

	c.live[slot] = gen
	if w != nil {
		c.waiters[slot] = w
	}
	return gen
}

// Complete reports whether gen is the live generation of the slot. A true
// result consumes the slot: the caller now owns the request's outcome and
// its waiter. Stale completions return false and change nothing.
func (c *Coordinator) Complete(kind OpKind, call CallID, target ParticipantID, gen Generation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot := opSlot{call: call, kind: kind, target: target}
	if live, ok := c.live[slot]; !ok || live != gen {
		c.staleCompletions++
		c.logger.Debug("Dropping stale completion",
			zap.Int32("callID", int32(call)),
			zap.Stringer("kind", kind),
			zap.String("target", string(target)),
			zap.Uint64("generation", uint64(gen)),
			zap.Uint64("liveGeneration", uint64(live)),
		)
		return false
	}
	delete(c.live, slot)
	delete(c.waiters, slot)
	return true
}

// Current returns the live generation of a slot, or 0 if nothing is pending.
func (c *Coordinator) Current(kind OpKind, call CallID, target ParticipantID) Generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live[opSlot{call: call, kind: kind, target: target}]
}

// Pending reports whether a request is in flight for the slot.
func (c *Coordinator) Pending(kind OpKind, call CallID, target ParticipantID) bool {
	return c.Current(kind, call, target) != 0
}

// Forget drops every slot of a call, failing outstanding waiters with err.
func (c *Coordinator) Forget(call CallID, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for slot := range c.live {
		if slot.call == call {
			delete(c.live, slot)
		}
	}
	for slot, w := range c.waiters {
		if slot.call == call {
			w.Fail(err)
			delete(c.waiters, slot)
		}
	}
}

// GetMetrics returns coordinator counters.
func (c *Coordinator) GetMetrics() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"pending_requests":  len(c.live),
		"stale_completions": c.staleCompletions,
		"superseded":        c.superseded,
	}
}
