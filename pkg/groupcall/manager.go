package groupcall

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type pendingValue[T any] struct {
	generation Generation
	value      T
}

type pendingJoin struct {
	params  JoinParams
	promise *Promise[*JoinResponse]
	rejoin  bool
}

// call is the per-call state owned by the manager. Every field is guarded by
// mu; the participant list itself lives in the Store under the same handle.
type call struct {
	mu sync.Mutex

	id     CallID
	server ServerCallID
	info   CallInfo

	pendingTitle     *pendingValue[string]
	pendingMuteNew   *pendingValue[bool]
	pendingRecording *pendingValue[int64]

	canModerate bool

	joined        bool
	joinedAs      ParticipantID
	audioSource   int32
	isBeingJoined bool
	isBeingLeft   bool
	needRejoin    bool
	joinGen       Generation
	leaveGen      Generation
	lastJoin      *JoinParams
	parked        *pendingJoin

	subscribers  int
	syncFailures int
	limiter      *rate.Limiter

	destroyed bool
}

// Manager keeps the state of every known group call and routes server
// pushes and local requests through a per-call single writer.
//
// Lock order: m.mu is never held while a call's mu is taken. Transport
// requests are issued from goroutines without any lock held; their
// completions re-enter through the call's mu and are honored only if
// their generation is still live.
type Manager struct {
	logger    *zap.Logger
	clock     clock.Clock
	transport Transport
	opts      ManagerOptions

	mu    sync.RWMutex
	calls map[CallID]*call

	registry    *Registry
	store       *Store
	coordinator *Coordinator
	speakers    *SpeakerTracker
	emitter     *Emitter

	orderTimers   *timeoutSet
	sweepTimers   *timeoutSet
	joinTimers    *timeoutSet
	leaveTimers   *timeoutSet
	syncTimers    *timeoutSet
	versionTimers *timeoutSet
	resyncTimers  *timeoutSet

	ctx    context.Context
	cancel context.CancelFunc

	diffsApplied    atomic.Int64
	diffsQueued     atomic.Int64
	diffsStale      atomic.Int64
	diffsDropped    atomic.Int64
	syncsStarted    atomic.Int64
	syncsCompleted  atomic.Int64
	syncsFailed     atomic.Int64
	syncsDiscarded  atomic.Int64
	rejoins         atomic.Int64
	callsDestroyed  atomic.Int64
	staleOperations atomic.Int64
}

// NewManager creates a manager issuing requests through transport.
func NewManager(transport Transport, opts ManagerOptions) *Manager {
	opts.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:      opts.Logger,
		clock:       opts.Clock,
		transport:   transport,
		opts:        opts,
		calls:       make(map[CallID]*call),
		registry:    NewRegistry(),
		store:       NewStore(opts.MaxPendingDiffs),
		coordinator: NewCoordinator(opts.Logger),
		speakers:    NewSpeakerTracker(opts.RecentSpeakerTimeout),
		emitter:     NewEmitter(opts.Logger, opts.Clock, opts.EventHistorySize),
		ctx:         ctx,
		cancel:      cancel,
	}

	m.orderTimers = newTimeoutSet("order", m.clock, m.onOrderTimeout)
	m.sweepTimers = newTimeoutSet("recent_speakers", m.clock, m.onSweepTimeout)
	m.joinTimers = newTimeoutSet("join_check", m.clock, m.onJoinCheckTimeout)
	m.leaveTimers = newTimeoutSet("leave", m.clock, m.onLeaveTimeout)
	m.syncTimers = newTimeoutSet("sync", m.clock, m.onSyncTimeout)
	m.versionTimers = newTimeoutSet("version", m.clock, m.onVersionTimeout)
	m.resyncTimers = newTimeoutSet("resync", m.clock, m.onResyncTimeout)

	return m
}

// RegisterHandler registers a notification handler.
func (m *Manager) RegisterHandler(eventType EventType, handler EventHandler) {
	m.emitter.RegisterHandler(eventType, handler)
}

// Flush waits until every notification emitted so far has been dispatched.
func (m *Manager) Flush(ctx context.Context) error {
	return m.emitter.Flush(ctx)
}

// Events returns up to limit most recent dispatched notifications.
func (m *Manager) Events(limit int) []Event {
	return m.emitter.GetEventHistory(limit)
}

// Stop stops every timer, abandons in-flight requests and drains the
// notification queue.
func (m *Manager) Stop() {
	m.cancel()
	for _, timers := range []*timeoutSet{
		m.orderTimers, m.sweepTimers, m.joinTimers, m.leaveTimers,
		m.syncTimers, m.versionTimers, m.resyncTimers,
	} {
		timers.close()
	}
	m.emitter.Stop()
}

// lockCall returns the call locked for writing.
func (m *Manager) lockCall(id CallID) (*call, error) {
	m.mu.RLock()
	c, ok := m.calls[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("call %d: %w", id, ErrInvalidCall)
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		m.remove(c)
		return nil, fmt.Errorf("call %d: %w", id, ErrInvalidCall)
	}
	return c, nil
}

// unlockCall releases a call, unlinking it if it was destroyed meanwhile.
func (m *Manager) unlockCall(c *call) {
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		m.remove(c)
	}
}

// lockServerCall locks the live call of a server identifier.
func (m *Manager) lockServerCall(server ServerCallID) (*call, error) {
	id, ok := m.registry.Lookup(server)
	if !ok {
		return nil, fmt.Errorf("server call %q: %w", server, ErrInvalidCall)
	}
	return m.lockCall(id)
}

func (m *Manager) remove(c *call) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.calls[c.id] != c {
		return
	}
	delete(m.calls, c.id)
	m.registry.Retire(c.id)
}

// obtainCall returns the locked call of a server identifier, creating it if
// it is unknown.
func (m *Manager) obtainCall(info CallInfo) *call {
	for {
		m.mu.Lock()
		id, created := m.registry.HandleFor(info.ServerID)
		c, ok := m.calls[id]
		if !ok {
			canModerate := false
			if m.opts.Rights != nil {
				canModerate = m.opts.Rights.CanModerate(info.Conversation)
			}
			c = &call{
				id:          id,
				server:      info.ServerID,
				info:        info,
				canModerate: canModerate,
				limiter:     rate.NewLimiter(m.opts.SyncRateLimit, m.opts.SyncBurst),
			}
			m.calls[id] = c
			m.store.Create(id, canModerate)
			if created {
				m.logger.Debug("Registered group call",
					zap.Int32("callID", int32(id)),
					zap.String("serverCallID", string(info.ServerID)),
				)
			}
		}
		m.mu.Unlock()

		c.mu.Lock()
		if !c.destroyed {
			return c
		}
		c.mu.Unlock()
		m.remove(c)
	}
}

// destroyLocked tears a call down. Outstanding requests fail with reason;
// timers are left to find the call gone when they fire.
func (m *Manager) destroyLocked(c *call, reason error, notify bool) {
	if c.destroyed {
		return
	}
	c.destroyed = true
	m.callsDestroyed.Add(1)

	if notify {
		view := m.callViewLocked(c)
		view.IsActive = false
		view.IsJoined = false
		view.IsBeingJoined = false
		m.emitter.EmitCall(view)
	}

	m.logger.Info("Destroying group call",
		zap.Int32("callID", int32(c.id)),
		zap.String("serverCallID", string(c.server)),
		zap.Error(reason),
	)

	failure := fmt.Errorf("call %d: %w", c.id, reason)
	m.coordinator.Forget(c.id, failure)
	if c.parked != nil {
		c.parked.promise.Fail(failure)
		c.parked = nil
	}
	m.store.Drop(c.id)
	m.speakers.Forget(c.id)
	m.emitter.Forget(c.id)
}

// releaseIfUnusedLocked destroys a call nobody needs any more.
func (m *Manager) releaseIfUnusedLocked(c *call) {
	if c.subscribers > 0 || c.joined || c.isBeingJoined || c.isBeingLeft {
		return
	}
	m.destroyLocked(c, ErrInvalidCall, false)
}

// HandleCallUpdate applies a call metadata object pushed or returned by the
// server and returns the call's local handle.
func (m *Manager) HandleCallUpdate(info CallInfo) (CallID, error) {
	if info.ServerID == "" {
		return 0, fmt.Errorf("call update without identifier: %w", ErrInvalidArgument)
	}

	if !info.IsActive {
		c, err := m.lockServerCall(info.ServerID)
		if err != nil {
			return 0, fmt.Errorf("server call %q: %w", info.ServerID, ErrCallNotFound)
		}
		id := c.id
		c.info = info
		m.destroyLocked(c, ErrCallNotFound, true)
		m.unlockCall(c)
		return id, nil
	}

	c := m.obtainCall(info)
	defer m.unlockCall(c)

	c.info = info
	if version, err := m.store.Version(c.id); err == nil {
		state, _ := m.store.State(c.id)
		if state == SyncStateSynced && info.Version > version {
			m.versionTimers.add(c.id, m.opts.VersionSyncDelay)
		}
	}
	m.emitCallLocked(c)
	return c.id, nil
}

// CreateCall creates a call on the server and registers it.
func (m *Manager) CreateCall(ctx context.Context, conversation, title string) (CallID, error) {
	info, err := m.transport.CreateCall(ctx, conversation, cleanTitle(title))
	if err != nil {
		return 0, err
	}
	id, err := m.HandleCallUpdate(*info)
	if err != nil {
		return 0, err
	}

	c, err := m.lockCall(id)
	if err != nil {
		return 0, err
	}
	defer m.unlockCall(c)
	if m.store.LoadedAll(c.id) {
		return id, nil
	}
	// a new call has no participants yet
	if _, _, err := m.store.Replace(c.id, nil, info.Version); err != nil {
		return 0, err
	}
	_ = m.store.SetState(c.id, SyncStateSynced)
	m.emitCallLocked(c)
	return id, nil
}

// ReloadCall refetches the call metadata and its participant list.
func (m *Manager) ReloadCall(ctx context.Context, id CallID) error {
	server, err := m.registry.ServerIDFor(id)
	if err != nil {
		return fmt.Errorf("call %d: %w", id, ErrInvalidCall)
	}

	info, fetchErr := m.transport.FetchCall(ctx, server)

	c, err := m.lockCall(id)
	if err != nil {
		return err
	}
	defer m.unlockCall(c)

	if fetchErr != nil {
		if tearsDownCall(fetchErr) {
			m.destroyLocked(c, fetchErr, true)
		}
		return fetchErr
	}
	if !info.IsActive {
		c.info = *info
		m.destroyLocked(c, ErrCallNotFound, true)
		return nil
	}
	c.info = *info
	m.requestSyncLocked(c, "reload")
	m.emitCallLocked(c)
	return nil
}

// DiscardCall ends the call for everyone. Requires moderation rights.
func (m *Manager) DiscardCall(ctx context.Context, id CallID) error {
	c, err := m.lockCall(id)
	if err != nil {
		return err
	}
	server, allowed := c.server, c.canModerate
	m.unlockCall(c)

	if !allowed {
		return fmt.Errorf("discard call %d: %w", id, ErrAccessDenied)
	}
	if err := m.transport.DiscardCall(ctx, server); err != nil && !tearsDownCall(err) {
		return err
	}

	c, err = m.lockCall(id)
	if err != nil {
		return nil
	}
	defer m.unlockCall(c)
	c.info.IsActive = false
	m.destroyLocked(c, ErrCallNotFound, true)
	return nil
}

// GetCall returns the current view of a call.
func (m *Manager) GetCall(id CallID) (CallView, error) {
	c, err := m.lockCall(id)
	if err != nil {
		return CallView{}, err
	}
	defer m.unlockCall(c)
	return m.callViewLocked(c), nil
}

// Calls returns the handles of every live call.
func (m *Manager) Calls() []CallID {
	m.mu.RLock()
	ids := lo.Keys(m.calls)
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Lookup returns the handle of a server call.
func (m *Manager) Lookup(server ServerCallID) (CallID, bool) {
	return m.registry.Lookup(server)
}

// ServerID returns the server identifier of a call handle.
func (m *Manager) ServerID(id CallID) (ServerCallID, error) {
	return m.registry.ServerIDFor(id)
}

// Participants returns the participants of a call in list order.
func (m *Manager) Participants(id CallID) ([]ParticipantView, error) {
	c, err := m.lockCall(id)
	if err != nil {
		return nil, err
	}
	defer m.unlockCall(c)
	return m.store.Views(c.id)
}

// RecentSpeakers returns the recent speakers of a call, most recent first.
func (m *Manager) RecentSpeakers(id CallID) ([]RecentSpeaker, error) {
	c, err := m.lockCall(id)
	if err != nil {
		return nil, err
	}
	defer m.unlockCall(c)
	return m.recentSpeakersLocked(c, 0), nil
}

// Subscribe marks a call as needed and loads its participants if they have
// not been loaded yet.
func (m *Manager) Subscribe(id CallID) error {
	c, err := m.lockCall(id)
	if err != nil {
		return err
	}
	defer m.unlockCall(c)

	c.subscribers++
	if c.subscribers == 1 && m.opts.ResyncInterval > 0 {
		m.resyncTimers.set(c.id, m.opts.ResyncInterval)
	}
	if state, _ := m.store.State(c.id); state == SyncStateUnsynced {
		m.requestSyncLocked(c, "subscribe")
	}
	return nil
}

// Unsubscribe releases a subscription. A call with no subscribers that is
// not joined is destroyed.
func (m *Manager) Unsubscribe(id CallID) error {
	c, err := m.lockCall(id)
	if err != nil {
		return err
	}
	defer m.unlockCall(c)

	if c.subscribers > 0 {
		c.subscribers--
	}
	m.releaseIfUnusedLocked(c)
	return nil
}

// SetModerationRights updates the viewer's moderation rights, which changes
// the order of raised hands.
func (m *Manager) SetModerationRights(id CallID, canModerate bool) error {
	c, err := m.lockCall(id)
	if err != nil {
		return err
	}
	defer m.unlockCall(c)

	if c.canModerate == canModerate {
		return nil
	}
	c.canModerate = canModerate
	changed, err := m.store.RecomputeOrder(c.id, canModerate)
	if err != nil {
		return err
	}
	m.emitParticipantsLocked(c, changed)
	m.emitCallLocked(c)
	return nil
}

func (m *Manager) callViewLocked(c *call) CallView {
	info := c.info
	view := CallView{
		ID:                           c.id,
		Conversation:                 info.Conversation,
		Title:                        info.Title,
		MuteNewParticipants:          info.MuteNewParticipants,
		CanChangeMuteNewParticipants: info.CanChangeMuteNewParticipants,
		RecordStartedAt:              info.RecordStartedAt,
		ParticipantCount:             info.ParticipantCount,
		IsActive:                     info.IsActive,
		IsJoined:                     c.joined,
		IsBeingJoined:                c.isBeingJoined,
		NeedRejoin:                   c.needRejoin,
		CanModerate:                  c.canModerate,
		LoadedAllParticipants:        m.store.LoadedAll(c.id),
	}
	if c.pendingTitle != nil {
		view.Title = c.pendingTitle.value
	}
	if c.pendingMuteNew != nil {
		view.MuteNewParticipants = c.pendingMuteNew.value
	}
	if c.pendingRecording != nil {
		view.RecordStartedAt = c.pendingRecording.value
	}
	if view.LoadedAllParticipants {
		if n, err := m.store.Len(c.id); err == nil {
			view.ParticipantCount = int32(n)
		}
	}
	view.RecentSpeakers = m.recentSpeakersLocked(c, m.opts.RecentSpeakersInUpdate)
	return view
}

func (m *Manager) recentSpeakersLocked(c *call, limit int) []RecentSpeaker {
	m.speakers.Sweep(c.id, m.clock.Now().Unix())

	var result []RecentSpeaker
	for id, at := range m.speakers.Snapshot(c.id) {
		if limit > 0 && len(result) == limit {
			break
		}
		speaker := RecentSpeaker{ID: id, LastSpokeAt: at}
		if p, ok, _ := m.store.Get(c.id, id); ok {
			speaker.IsSpeaking = p.IsSpeaking
		}
		result = append(result, speaker)
	}
	return result
}

func (m *Manager) emitCallLocked(c *call) {
	if c.destroyed {
		return
	}
	m.emitter.EmitCall(m.callViewLocked(c))
}

func (m *Manager) emitParticipantsLocked(c *call, ids []ParticipantID) {
	for _, id := range ids {
		view, ok, err := m.store.Get(c.id, id)
		if err != nil || !ok {
			continue
		}
		m.emitter.EmitParticipant(c.id, view)
	}
}

// decorateLocked sets the fields of an incoming record that only the local
// side knows.
func (m *Manager) decorateLocked(c *call, p Participant) Participant {
	p.IsSelf = c.joined && p.ID == c.joinedAs
	if p.IsSelf && c.audioSource != 0 {
		p.AudioSource = c.audioSource
	}
	return p
}

func (m *Manager) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(m.ctx, m.opts.RequestTimeout)
}

// GetMetrics returns manager counters merged with its components'.
func (m *Manager) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	calls := len(m.calls)
	m.mu.RUnlock()

	metrics := map[string]interface{}{
		"calls":             calls,
		"registered_calls":  m.registry.Len(),
		"diffs_applied":     m.diffsApplied.Load(),
		"diffs_queued":      m.diffsQueued.Load(),
		"diffs_stale":       m.diffsStale.Load(),
		"diffs_dropped":     m.diffsDropped.Load(),
		"syncs_started":     m.syncsStarted.Load(),
		"syncs_completed":   m.syncsCompleted.Load(),
		"syncs_failed":      m.syncsFailed.Load(),
		"syncs_discarded":   m.syncsDiscarded.Load(),
		"rejoins":           m.rejoins.Load(),
		"calls_destroyed":   m.callsDestroyed.Load(),
		"stale_completions": m.staleOperations.Load(),
	}
	for k, v := range m.coordinator.GetMetrics() {
		metrics["coordinator_"+k] = v
	}
	for k, v := range m.emitter.GetMetrics() {
		metrics["emitter_"+k] = v
	}
	return metrics
}

func (m *Manager) now() time.Time {
	return m.clock.Now()
}
