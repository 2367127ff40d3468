package groupcall

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType represents the type of an outbound notification.
type EventType string

const (
	EventTypeCallUpdated        EventType = "call_updated"
	EventTypeParticipantUpdated EventType = "participant_updated"
)

// Event is an outbound change notification. It is keyed by the local call
// handle, never by the server identifier.
type Event struct {
	ID          string
	Type        EventType
	CallID      CallID
	Call        *CallView
	Participant *ParticipantView
	// Left is set on the participant update sent when a participant leaves.
	Left      bool
	Timestamp time.Time
}

// EventHandler handles dispatched events.
type EventHandler func(event Event)

// Emitter derives notifications from state snapshots and dispatches them to
// registered handlers in emission order.
//
// Each snapshot is compared with the last one emitted for the same call or
// participant, so repeated toggles that end where they started, and server
// echoes of local changes, produce no event.
type Emitter struct {
	logger *zap.Logger
	clock  clock.Clock

	stateMu         sync.Mutex
	lastCall        map[CallID]CallView
	lastParticipant map[CallID]map[ParticipantID]ParticipantView

	queueMu    sync.Mutex
	queue      []Event
	enqueued   uint64
	dispatched uint64
	wake       chan struct{}

	handlersMu  sync.RWMutex
	handlers    map[EventType][]EventHandler
	history     []Event
	historySize int

	suppressed int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// closed once the dispatch loop has drained and exited
	stopped chan struct{}
}

// NewEmitter creates an emitter and starts its dispatch loop.
func NewEmitter(logger *zap.Logger, clk clock.Clock, historySize int) *Emitter {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		logger:          logger,
		clock:           clk,
		lastCall:        make(map[CallID]CallView),
		lastParticipant: make(map[CallID]map[ParticipantID]ParticipantView),
		wake:            make(chan struct{}, 1),
		handlers:        make(map[EventType][]EventHandler),
		history:         make([]Event, 0),
		historySize:     historySize,
		ctx:             ctx,
		cancel:          cancel,
		stopped:         make(chan struct{}),
	}

	e.wg.Add(1)
	go e.dispatchLoop()

	return e
}

// RegisterHandler registers a handler for an event type.
func (e *Emitter) RegisterHandler(eventType EventType, handler EventHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[eventType] = append(e.handlers[eventType], handler)
}

// EmitCall queues a call update if view differs from the last emitted one.
func (e *Emitter) EmitCall(view CallView) bool {
	e.stateMu.Lock()
	if last, ok := e.lastCall[view.ID]; ok && last.Equal(view) {
		e.suppressed++
		e.stateMu.Unlock()
		return false
	}
	e.lastCall[view.ID] = view
	e.stateMu.Unlock()

	v := view
	e.enqueue(Event{Type: EventTypeCallUpdated, CallID: view.ID, Call: &v})
	return true
}

// EmitParticipant queues a participant update if view differs from the last
// emitted one.
func (e *Emitter) EmitParticipant(call CallID, view ParticipantView) bool {
	e.stateMu.Lock()
	byID, ok := e.lastParticipant[call]
	if !ok {
		byID = make(map[ParticipantID]ParticipantView)
		e.lastParticipant[call] = byID
	}
	if last, ok := byID[view.ID]; ok && last == view {
		e.suppressed++
		e.stateMu.Unlock()
		return false
	}
	byID[view.ID] = view
	e.stateMu.Unlock()

	v := view
	e.enqueue(Event{Type: EventTypeParticipantUpdated, CallID: call, Participant: &v})
	return true
}

// EmitParticipantLeft queues a participant-left update once for a
// participant that was previously emitted.
func (e *Emitter) EmitParticipantLeft(call CallID, id ParticipantID) bool {
	e.stateMu.Lock()
	last, ok := e.lastParticipant[call][id]
	if ok {
		delete(e.lastParticipant[call], id)
	}
	e.stateMu.Unlock()
	if !ok {
		return false
	}

	last.IsSpeaking = false
	e.enqueue(Event{Type: EventTypeParticipantUpdated, CallID: call, Participant: &last, Left: true})
	return true
}

// Forget drops the last-emitted state of a call.
func (e *Emitter) Forget(call CallID) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	delete(e.lastCall, call)
	delete(e.lastParticipant, call)
}

func (e *Emitter) enqueue(event Event) {
	event.ID = uuid.NewString()
	event.Timestamp = e.clock.Now()

	e.queueMu.Lock()
	e.queue = append(e.queue, event)
	e.enqueued++
	e.queueMu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Emitter) dispatchLoop() {
	defer e.wg.Done()
	defer close(e.stopped)

	for {
		select {
		case <-e.wake:
			e.drain()
		case <-e.ctx.Done():
			e.drain()
			return
		}
	}
}

func (e *Emitter) drain() {
	for {
		e.queueMu.Lock()
		batch := e.queue
		e.queue = nil
		e.queueMu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, event := range batch {
			e.dispatch(event)
		}

		e.queueMu.Lock()
		e.dispatched += uint64(len(batch))
		e.queueMu.Unlock()
	}
}

func (e *Emitter) dispatch(event Event) {
	e.handlersMu.Lock()
	e.history = append(e.history, event)
	if len(e.history) > e.historySize {
		e.history = e.history[len(e.history)-e.historySize:]
	}
	handlers := append([]EventHandler(nil), e.handlers[event.Type]...)
	e.handlersMu.Unlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("Event handler panicked",
						zap.String("eventType", string(event.Type)),
						zap.Int32("callID", int32(event.CallID)),
						zap.Any("panic", r),
					)
				}
			}()
			handler(event)
		}()
	}
}

// Flush waits until every event queued so far has been dispatched. It
// returns at once after Stop, since nothing is dispatched any more.
func (e *Emitter) Flush(ctx context.Context) error {
	e.queueMu.Lock()
	target := e.enqueued
	e.queueMu.Unlock()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		e.queueMu.Lock()
		done := e.dispatched >= target
		e.queueMu.Unlock()
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopped:
			return nil
		case <-ticker.C:
		}
	}
}

// GetEventHistory returns up to limit most recent dispatched events.
func (e *Emitter) GetEventHistory(limit int) []Event {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()

	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	result := make([]Event, limit)
	copy(result, e.history[len(e.history)-limit:])
	return result
}

// GetMetrics returns emitter counters.
func (e *Emitter) GetMetrics() map[string]interface{} {
	e.queueMu.Lock()
	enqueued, dispatched, queued := e.enqueued, e.dispatched, len(e.queue)
	e.queueMu.Unlock()

	e.stateMu.Lock()
	suppressed := e.suppressed
	e.stateMu.Unlock()

	return map[string]interface{}{
		"emitted_events":    enqueued,
		"dispatched_events": dispatched,
		"queue_size":        queued,
		"suppressed_events": suppressed,
	}
}

// Stop dispatches what is queued and stops the dispatch loop.
func (e *Emitter) Stop() {
	e.cancel()
	e.wg.Wait()
}
