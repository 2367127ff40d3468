package groupcall

import (
	"fmt"
	"slices"
	"sync"
)

// SyncState is the reconciliation state of a call's participant list.
type SyncState int

const (
	// SyncStateUnsynced means the list has never been fetched.
	SyncStateUnsynced SyncState = iota
	// SyncStateSyncing means a full fetch is outstanding; diffs are queued.
	SyncStateSyncing
	// SyncStateSynced means diffs are applied as they arrive.
	SyncStateSynced
)

func (s SyncState) String() string {
	switch s {
	case SyncStateUnsynced:
		return "unsynced"
	case SyncStateSyncing:
		return "syncing"
	case SyncStateSynced:
		return "synced"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

// ParticipantDiff is an incremental participant-list update. Version is the
// list version after the diff is applied.
type ParticipantDiff struct {
	Version      int32
	Participants []Participant
}

type participantSet struct {
	records     map[ParticipantID]*participantRecord
	version     int32
	state       SyncState
	pending     []ParticipantDiff
	loadedAll   bool
	canModerate bool
}

// Store holds the participant records of every known call.
type Store struct {
	mu         sync.Mutex
	sets       map[CallID]*participantSet
	maxPending int
}

// NewStore creates a store whose per-call diff queues hold at most
// maxPending entries.
func NewStore(maxPending int) *Store {
	if maxPending <= 0 {
		maxPending = 256
	}
	return &Store{
		sets:       make(map[CallID]*participantSet),
		maxPending: maxPending,
	}
}

// Create registers an empty, unsynced participant list for a call.
func (s *Store) Create(call CallID, canModerate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sets[call]; ok {
		return
	}
	s.sets[call] = &participantSet{
		records:     make(map[ParticipantID]*participantRecord),
		canModerate: canModerate,
	}
}

// Drop forgets a call.
func (s *Store) Drop(call CallID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets, call)
}

// Has reports whether the call is known.
func (s *Store) Has(call CallID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sets[call]
	return ok
}

func (s *Store) set(call CallID) (*participantSet, error) {
	set, ok := s.sets[call]
	if !ok {
		return nil, fmt.Errorf("call %d: %w", call, ErrInvalidCall)
	}
	return set, nil
}

func (s *Store) record(call CallID, id ParticipantID) (*participantSet, *participantRecord, error) {
	set, err := s.set(call)
	if err != nil {
		return nil, nil, err
	}
	rec, ok := set.records[id]
	if !ok {
		return set, nil, fmt.Errorf("participant %q in call %d: %w", id, call, ErrParticipantNotFound)
	}
	return set, rec, nil
}

// Upsert merges a participant update. appeared is true if the record is new;
// changed is true if the effective view differs from before.
func (s *Store) Upsert(call CallID, p Participant, prov Provenance) (appeared, changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.set(call)
	if err != nil {
		return false, false, err
	}
	return set.upsert(p, prov)
}

func (set *participantSet) upsert(p Participant, prov Provenance) (bool, bool, error) {
	if p.ID == "" {
		return false, false, fmt.Errorf("participant without identity: %w", ErrInvalidArgument)
	}
	rec, ok := set.records[p.ID]
	if !ok {
		rec = newParticipantRecord(p)
		rec.order = Order(rec.effective(), set.canModerate)
		set.records[p.ID] = rec
		return true, true, nil
	}
	before := rec.view()
	rec.merge(p, prov)
	rec.order = Order(rec.effective(), set.canModerate)
	return false, rec.view() != before, nil
}

// Remove erases a record. Removing an unknown participant is a no-op.
func (s *Store) Remove(call CallID, id ParticipantID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.set(call)
	if err != nil {
		return false, err
	}
	if _, ok := set.records[id]; !ok {
		return false, nil
	}
	delete(set.records, id)
	return true, nil
}

// Replace swaps the whole list for a fetched snapshot at version. Pending
// local mutations of surviving participants are kept.
func (s *Store) Replace(call CallID, ps []Participant, version int32) (updated, removed []ParticipantID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.set(call)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[ParticipantID]struct{}, len(ps))
	for _, p := range ps {
		if p.Left {
			continue
		}
		seen[p.ID] = struct{}{}
		_, changed, err := set.upsert(p, Provenance{})
		if err != nil {
			return nil, nil, err
		}
		if changed {
			updated = append(updated, p.ID)
		}
	}
	for id := range set.records {
		if _, ok := seen[id]; !ok {
			delete(set.records, id)
			removed = append(removed, id)
		}
	}
	slices.Sort(removed)
	set.version = version
	set.loadedAll = true
	return updated, removed, nil
}

// Get returns the effective view of a participant.
func (s *Store) Get(call CallID, id ParticipantID) (ParticipantView, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.set(call)
	if err != nil {
		return ParticipantView{}, false, err
	}
	rec, ok := set.records[id]
	if !ok {
		return ParticipantView{}, false, nil
	}
	return rec.view(), true, nil
}

// Views returns every participant in list order.
func (s *Store) Views(call CallID) ([]ParticipantView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.set(call)
	if err != nil {
		return nil, err
	}
	views := make([]ParticipantView, 0, len(set.records))
	for _, rec := range set.records {
		views = append(views, rec.view())
	}
	SortViews(views)
	return views, nil
}

// Len returns the number of participants of a call.
func (s *Store) Len(call CallID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.set(call)
	if err != nil {
		return 0, err
	}
	return len(set.records), nil
}

// RecomputeOrder re-derives every sort key for the given viewer rights and
// returns the participants whose key changed.
func (s *Store) RecomputeOrder(call CallID, canModerate bool) ([]ParticipantID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.set(call)
	if err != nil {
		return nil, err
	}
	set.canModerate = canModerate
	var changed []ParticipantID
	for id, rec := range set.records {
		key := Order(rec.effective(), canModerate)
		if key != rec.order {
			rec.order = key
			changed = append(changed, id)
		}
	}
	slices.Sort(changed)
	return changed, nil
}

// FindBySource returns the participant using an audio source.
func (s *Store) FindBySource(call CallID, source int32) (ParticipantID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.set(call)
	if err != nil {
		return "", false, err
	}
	if source == 0 {
		return "", false, nil
	}
	for id, rec := range set.records {
		if rec.server.AudioSource == source {
			return id, true, nil
		}
	}
	return "", false, nil
}

// SetSpeaking updates the speaking flag of a participant.
func (s *Store) SetSpeaking(call CallID, id ParticipantID, speaking bool, at int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, rec, err := s.record(call, id)
	if err != nil {
		return false, err
	}
	before := rec.view()
	rec.server.IsSpeaking = speaking
	if at > rec.server.LastSpokeAt {
		rec.server.LastSpokeAt = at
	}
	rec.order = Order(rec.effective(), set.canModerate)
	return rec.view() != before, nil
}

// ExpireSpeaking clears the speaking flag of everyone whose last speech is
// older than cutoff.
func (s *Store) ExpireSpeaking(call CallID, cutoff int64) ([]ParticipantID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.set(call)
	if err != nil {
		return nil, err
	}
	var expired []ParticipantID
	for id, rec := range set.records {
		if rec.server.IsSpeaking && rec.server.LastSpokeAt < cutoff {
			rec.server.IsSpeaking = false
			rec.order = Order(rec.effective(), set.canModerate)
			expired = append(expired, id)
		}
	}
	slices.Sort(expired)
	return expired, nil
}

// AnySpeaking reports whether someone in the call is flagged as speaking.
func (s *Store) AnySpeaking(call CallID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[call]
	if !ok {
		return false
	}
	for _, rec := range set.records {
		if rec.server.IsSpeaking {
			return true
		}
	}
	return false
}

// SetSelf flags id as the local user's record and clears the flag on every
// other record. An empty id clears it everywhere.
func (s *Store) SetSelf(call CallID, id ParticipantID) ([]ParticipantID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.set(call)
	if err != nil {
		return nil, err
	}
	var changed []ParticipantID
	for pid, rec := range set.records {
		isSelf := id != "" && pid == id
		if rec.server.IsSelf != isSelf {
			rec.server.IsSelf = isSelf
			changed = append(changed, pid)
		}
	}
	slices.Sort(changed)
	return changed, nil
}

// SetAudioSource assigns the audio source of a participant.
func (s *Store) SetAudioSource(call CallID, id ParticipantID, source int32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, rec, err := s.record(call, id)
	if err != nil {
		return false, err
	}
	if rec.server.AudioSource == source {
		return false, nil
	}
	rec.server.AudioSource = source
	return true, nil
}

// BeginLocalMute echoes a pending mute change tagged with gen.
func (s *Store) BeginLocalMute(call CallID, id ParticipantID, gen Generation, state MuteState) (bool, error) {
	return s.beginLocal(call, id, func(rec *participantRecord) {
		rec.mute = &pendingMute{generation: gen, state: state}
	})
}

// BeginLocalVolume echoes a pending volume change tagged with gen.
func (s *Store) BeginLocalVolume(call CallID, id ParticipantID, gen Generation, level int32) (bool, error) {
	return s.beginLocal(call, id, func(rec *participantRecord) {
		rec.volume = &pendingVolume{generation: gen, level: level}
	})
}

// BeginLocalHand echoes a pending hand-raise change tagged with gen.
func (s *Store) BeginLocalHand(call CallID, id ParticipantID, gen Generation, raised bool, at int64) (bool, error) {
	if !raised {
		at = 0
	}
	return s.beginLocal(call, id, func(rec *participantRecord) {
		rec.hand = &pendingHand{generation: gen, raised: raised, at: at}
	})
}

func (s *Store) beginLocal(call CallID, id ParticipantID, apply func(*participantRecord)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, rec, err := s.record(call, id)
	if err != nil {
		return false, err
	}
	before := rec.view()
	apply(rec)
	rec.order = Order(rec.effective(), set.canModerate)
	return rec.view() != before, nil
}

// FinishLocal ends the pending mutation of kind carrying gen, committing
// its values on success and reverting them on failure. It returns whether
// the effective view changed.
func (s *Store) FinishLocal(call CallID, id ParticipantID, kind OpKind, gen Generation, commit bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, rec, err := s.record(call, id)
	if err != nil {
		return false, err
	}
	before := rec.view()
	if !rec.finish(kind, gen, commit) {
		return false, nil
	}
	rec.order = Order(rec.effective(), set.canModerate)
	return rec.view() != before, nil
}

// Version returns the last applied diff version.
func (s *Store) Version(call CallID) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.set(call)
	if err != nil {
		return 0, err
	}
	return set.version, nil
}

// SetVersion stores the last applied diff version.
func (s *Store) SetVersion(call CallID, version int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.set(call)
	if err != nil {
		return err
	}
	set.version = version
	return nil
}

// State returns the reconciliation state.
func (s *Store) State(call CallID) (SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.set(call)
	if err != nil {
		return SyncStateUnsynced, err
	}
	return set.state, nil
}

// SetState stores the reconciliation state.
func (s *Store) SetState(call CallID, state SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.set(call)
	if err != nil {
		return err
	}
	set.state = state
	return nil
}

// LoadedAll reports whether the list reflects a complete fetch.
func (s *Store) LoadedAll(call CallID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[call]
	return ok && set.loadedAll
}

// Enqueue parks an out-of-order diff, kept sorted by version. When the
// queue is full the oldest diff is dropped; dropped reports that.
func (s *Store) Enqueue(call CallID, diff ParticipantDiff) (dropped bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.set(call)
	if err != nil {
		return false, err
	}
	i, found := slices.BinarySearchFunc(set.pending, diff.Version, func(d ParticipantDiff, v int32) int {
		return int(d.Version) - int(v)
	})
	if found {
		return false, nil
	}
	set.pending = slices.Insert(set.pending, i, diff)
	if len(set.pending) > s.maxPending {
		set.pending = slices.Delete(set.pending, 0, 1)
		dropped = true
	}
	return dropped, nil
}

// TakePending removes and returns the queued diffs in version order.
func (s *Store) TakePending(call CallID) ([]ParticipantDiff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.set(call)
	if err != nil {
		return nil, err
	}
	pending := set.pending
	set.pending = nil
	return pending, nil
}

// PendingLen returns the number of queued diffs.
func (s *Store) PendingLen(call CallID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[call]
	if !ok {
		return 0
	}
	return len(set.pending)
}
