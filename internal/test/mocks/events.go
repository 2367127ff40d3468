package mocks

import (
	"sync"

	"github.com/am-sokolov/livekit-groupcall-go/pkg/groupcall"
)

// MockEventRecorder collects the notifications of a groupcall.Manager.
type MockEventRecorder struct {
	mu     sync.Mutex
	Events []groupcall.Event
}

func NewMockEventRecorder() *MockEventRecorder {
	return &MockEventRecorder{}
}

// Attach registers the recorder for every notification type.
func (r *MockEventRecorder) Attach(m *groupcall.Manager) {
	m.RegisterHandler(groupcall.EventTypeCallUpdated, r.Handle)
	m.RegisterHandler(groupcall.EventTypeParticipantUpdated, r.Handle)
}

func (r *MockEventRecorder) Handle(event groupcall.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, event)
}

// GetEvents returns all recorded events
func (r *MockEventRecorder) GetEvents() []groupcall.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]groupcall.Event{}, r.Events...)
}

// LastCall returns the most recent call snapshot of a call.
func (r *MockEventRecorder) LastCall(id groupcall.CallID) (groupcall.CallView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.Events) - 1; i >= 0; i-- {
		if e := r.Events[i]; e.Type == groupcall.EventTypeCallUpdated && e.CallID == id && e.Call != nil {
			return *e.Call, true
		}
	}
	return groupcall.CallView{}, false
}

// Participants returns the last snapshot of every participant of a call
// that has not left.
func (r *MockEventRecorder) Participants(id groupcall.CallID) map[groupcall.ParticipantID]groupcall.ParticipantView {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make(map[groupcall.ParticipantID]groupcall.ParticipantView)
	for _, e := range r.Events {
		if e.Type != groupcall.EventTypeParticipantUpdated || e.CallID != id || e.Participant == nil {
			continue
		}
		if e.Left {
			delete(result, e.Participant.ID)
			continue
		}
		result[e.Participant.ID] = *e.Participant
	}
	return result
}
