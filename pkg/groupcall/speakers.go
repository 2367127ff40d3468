package groupcall

import (
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

// SpeakerTracker remembers who spoke recently in each call.
//
// Entries are keyed by identity and hold the last speech timestamp in unix
// seconds. An entry survives while now - lastSpeech <= retention.
type SpeakerTracker struct {
	mu        sync.RWMutex
	retention int64
	calls     map[CallID]map[ParticipantID]int64
}

// NewSpeakerTracker creates a tracker with the given retention window.
func NewSpeakerTracker(retention time.Duration) *SpeakerTracker {
	return &SpeakerTracker{
		retention: int64(retention / time.Second),
		calls:     make(map[CallID]map[ParticipantID]int64),
	}
}

// MarkSpeaking records speech at ts. It is a no-op returning false if the
// stored timestamp is not older than ts.
func (t *SpeakerTracker) MarkSpeaking(call CallID, id ParticipantID, ts int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	speakers, ok := t.calls[call]
	if !ok {
		speakers = make(map[ParticipantID]int64)
		t.calls[call] = speakers
	}
	if last, ok := speakers[id]; ok && ts <= last {
		return false
	}
	speakers[id] = ts
	return true
}

// Remove drops a single speaker, e.g. after the participant left.
func (t *SpeakerTracker) Remove(call CallID, id ParticipantID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	speakers, ok := t.calls[call]
	if !ok {
		return false
	}
	if _, ok := speakers[id]; !ok {
		return false
	}
	delete(speakers, id)
	return true
}

// Sweep removes every entry older than the retention window and returns
// how many were removed.
func (t *SpeakerTracker) Sweep(call CallID, now int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	speakers, ok := t.calls[call]
	if !ok {
		return 0
	}
	removed := 0
	for id, last := range speakers {
		if now-last > t.retention {
			delete(speakers, id)
			removed++
		}
	}
	if len(speakers) == 0 {
		delete(t.calls, call)
	}
	return removed
}

// NextExpiry returns the unix second at which the oldest entry of a call
// falls out of the window, or false if the call has no entries.
func (t *SpeakerTracker) NextExpiry(call CallID) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	speakers, ok := t.calls[call]
	if !ok || len(speakers) == 0 {
		return 0, false
	}
	oldest := lo.Min(lo.Values(speakers))
	return oldest + t.retention + 1, true
}

// Snapshot yields (identity, last speech) pairs most recent first.
//
// The sequence is computed when iterated, so it reflects the tracker at
// iteration time and can be ranged over any number of times.
func (t *SpeakerTracker) Snapshot(call CallID) iter.Seq2[ParticipantID, int64] {
	return func(yield func(ParticipantID, int64) bool) {
		t.mu.RLock()
		entries := lo.Entries(t.calls[call])
		t.mu.RUnlock()

		slices.SortFunc(entries, func(a, b lo.Entry[ParticipantID, int64]) int {
			if a.Value != b.Value {
				if a.Value > b.Value {
					return -1
				}
				return 1
			}
			return OrderKey{Tiebreak: a.Key}.Compare(OrderKey{Tiebreak: b.Key})
		})
		for _, e := range entries {
			if !yield(e.Key, e.Value) {
				return
			}
		}
	}
}

// Forget drops all entries of a call.
func (t *SpeakerTracker) Forget(call CallID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.calls, call)
}
