package groupcall

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// HandleParticipantsDiff applies a participant diff pushed by the server.
// version is the list version after the diff.
func (m *Manager) HandleParticipantsDiff(server ServerCallID, participants []Participant, version int32) error {
	c, err := m.lockServerCall(server)
	if err != nil {
		return err
	}
	defer m.unlockCall(c)

	return m.applyDiffLocked(c, ParticipantDiff{Version: version, Participants: participants})
}

func (m *Manager) applyDiffLocked(c *call, diff ParticipantDiff) error {
	state, err := m.store.State(c.id)
	if err != nil {
		return err
	}
	local, err := m.store.Version(c.id)
	if err != nil {
		return err
	}

	switch {
	case state != SyncStateSynced:
		m.enqueueDiffLocked(c, diff)
		if state == SyncStateUnsynced {
			m.requestSyncLocked(c, "unsynced")
		}
		return nil
	case diff.Version <= local:
		m.diffsStale.Add(1)
		m.logger.Debug("Discarding stale participant diff",
			zap.Int32("callID", int32(c.id)),
			zap.Int32("version", diff.Version),
			zap.Int32("localVersion", local),
		)
		return nil
	case diff.Version == local+1:
		m.applyInPlaceLocked(c, diff)
		m.emitCallLocked(c)
		return nil
	default:
		m.logger.Debug("Participant diff does not follow local version",
			zap.Int32("callID", int32(c.id)),
			zap.Int32("version", diff.Version),
			zap.Int32("localVersion", local),
			zap.Error(ErrVersionGap),
		)
		m.enqueueDiffLocked(c, diff)
		m.requestSyncLocked(c, "version gap")
		return nil
	}
}

func (m *Manager) enqueueDiffLocked(c *call, diff ParticipantDiff) {
	dropped, err := m.store.Enqueue(c.id, diff)
	if err != nil {
		return
	}
	m.diffsQueued.Add(1)
	if dropped {
		m.diffsDropped.Add(1)
		m.logger.Warn("Participant diff queue is full, dropped oldest diff",
			zap.Int32("callID", int32(c.id)),
			zap.Int("limit", m.opts.MaxPendingDiffs),
		)
	}
}

// applyInPlaceLocked applies a contiguous diff and advances the version.
func (m *Manager) applyInPlaceLocked(c *call, diff ParticipantDiff) {
	selfRemoved := false
	for _, p := range diff.Participants {
		if p.Left {
			if m.removeParticipantLocked(c, p.ID) && c.joined && p.ID == c.joinedAs {
				selfRemoved = true
			}
			continue
		}
		m.upsertParticipantLocked(c, p, Provenance{})
	}
	_ = m.store.SetVersion(c.id, diff.Version)
	m.diffsApplied.Add(1)

	if selfRemoved && !c.isBeingJoined && !c.isBeingLeft {
		m.logger.Info("Server removed the joined participant, rejoining",
			zap.Int32("callID", int32(c.id)),
			zap.String("participant", string(c.joinedAs)),
		)
		m.rejoinLocked(c)
	}
}

func (m *Manager) upsertParticipantLocked(c *call, p Participant, prov Provenance) {
	p = m.decorateLocked(c, p)
	_, changed, err := m.store.Upsert(c.id, p, prov)
	if err != nil {
		m.logger.Warn("Failed to apply participant update",
			zap.Int32("callID", int32(c.id)),
			zap.String("participant", string(p.ID)),
			zap.Error(err),
		)
		return
	}
	if p.IsSpeaking && p.LastSpokeAt != 0 {
		m.markSpeakerLocked(c, p.ID, p.LastSpokeAt)
	}
	if changed {
		m.emitParticipantsLocked(c, []ParticipantID{p.ID})
	}
}

func (m *Manager) removeParticipantLocked(c *call, id ParticipantID) bool {
	removed, err := m.store.Remove(c.id, id)
	if err != nil || !removed {
		return false
	}
	m.speakers.Remove(c.id, id)
	m.emitter.EmitParticipantLeft(c.id, id)
	return true
}

// requestSyncLocked starts a full participant fetch superseding any fetch
// in flight. When the call's fetch budget is exhausted the fetch is
// deferred; diffs keep being queued meanwhile.
func (m *Manager) requestSyncLocked(c *call, reason string) {
	_ = m.store.SetState(c.id, SyncStateSyncing)

	now := m.now()
	r := c.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		m.logger.Debug("Deferring participant fetch",
			zap.Int32("callID", int32(c.id)),
			zap.String("reason", reason),
			zap.Duration("delay", delay),
		)
		m.syncTimers.add(c.id, delay)
		return
	}

	gen := m.coordinator.Begin(OpSync, c.id, "", nil)
	m.syncsStarted.Add(1)
	m.logger.Debug("Fetching participants",
		zap.Int32("callID", int32(c.id)),
		zap.String("reason", reason),
		zap.Uint64("generation", uint64(gen)),
	)
	go m.fetchParticipants(c.id, c.server, gen)
}

type fetchResult struct {
	participants []Participant
	version      int32
}

func (m *Manager) fetchParticipants(id CallID, server ServerCallID, gen Generation) {
	ctx, cancel := m.requestContext()
	defer cancel()

	var (
		result fetchResult
		cursor string
		err    error
		first  = true
	)
	for {
		var page *ParticipantPage
		page, err = m.transport.FetchParticipants(ctx, server, cursor, m.opts.ParticipantPageSize, gen)
		if err != nil {
			break
		}
		if first {
			// later pages may be newer; replaying queued diffs over them is harmless
			result.version = page.Version
			first = false
		}
		result.participants = append(result.participants, page.Participants...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}

	m.completeSync(id, gen, result, err)
}

func (m *Manager) completeSync(id CallID, gen Generation, result fetchResult, fetchErr error) {
	c, err := m.lockCall(id)
	if err != nil {
		m.syncsDiscarded.Add(1)
		m.logger.Debug("Discarding participant fetch for a torn down call",
			zap.Int32("callID", int32(id)),
			zap.Uint64("generation", uint64(gen)),
		)
		return
	}
	defer m.unlockCall(c)

	if !m.coordinator.Complete(OpSync, c.id, "", gen) {
		m.syncsDiscarded.Add(1)
		return
	}

	if fetchErr != nil {
		if tearsDownCall(fetchErr) {
			m.destroyLocked(c, fetchErr, true)
			return
		}
		m.syncsFailed.Add(1)
		c.syncFailures++
		delay := m.syncBackoff(c.syncFailures)
		m.logger.Warn("Participant fetch failed, retrying",
			zap.Int32("callID", int32(c.id)),
			zap.Int("attempt", c.syncFailures),
			zap.Duration("retryIn", delay),
			zap.Error(fetchErr),
		)
		m.syncTimers.set(c.id, delay)
		return
	}

	c.syncFailures = 0
	m.syncsCompleted.Add(1)

	participants := make([]Participant, 0, len(result.participants))
	for _, p := range result.participants {
		participants = append(participants, m.decorateLocked(c, p))
	}
	updated, removed, err := m.store.Replace(c.id, participants, result.version)
	if err != nil {
		return
	}
	for _, pid := range removed {
		m.speakers.Remove(c.id, pid)
		m.emitter.EmitParticipantLeft(c.id, pid)
	}
	for _, p := range participants {
		if p.IsSpeaking && p.LastSpokeAt != 0 {
			m.markSpeakerLocked(c, p.ID, p.LastSpokeAt)
		}
	}
	m.emitParticipantsLocked(c, updated)

	_ = m.store.SetState(c.id, SyncStateSynced)
	if err := m.drainLocked(c); isVersionGap(err) {
		m.logger.Debug("Participant diffs still have a gap after fetch",
			zap.Int32("callID", int32(c.id)),
			zap.Error(err),
		)
		m.requestSyncLocked(c, "gap after fetch")
	}
	m.emitCallLocked(c)
}

// drainLocked applies queued diffs in version order. Diffs at or below the
// current version are discarded; a gap puts the rest back and returns
// ErrVersionGap.
func (m *Manager) drainLocked(c *call) error {
	pending, err := m.store.TakePending(c.id)
	if err != nil {
		return err
	}
	for i, diff := range pending {
		version, _ := m.store.Version(c.id)
		switch {
		case diff.Version <= version:
			m.diffsStale.Add(1)
		case diff.Version == version+1:
			m.applyInPlaceLocked(c, diff)
		default:
			for _, rest := range pending[i:] {
				_, _ = m.store.Enqueue(c.id, rest)
			}
			return fmt.Errorf("queued version %d after %d: %w", diff.Version, version, ErrVersionGap)
		}
	}
	return nil
}

func (m *Manager) syncBackoff(failures int) time.Duration {
	delay := m.opts.SyncBackoffMin
	for i := 1; i < failures && delay < m.opts.SyncBackoffMax; i++ {
		delay *= 2
	}
	return min(delay, m.opts.SyncBackoffMax)
}

func (m *Manager) onSyncTimeout(id CallID) {
	c, err := m.lockCall(id)
	if err != nil {
		return
	}
	defer m.unlockCall(c)

	if state, _ := m.store.State(c.id); state != SyncStateSyncing {
		return
	}
	if m.coordinator.Pending(OpSync, c.id, "") {
		return
	}
	m.requestSyncLocked(c, "retry")
}

func (m *Manager) onVersionTimeout(id CallID) {
	c, err := m.lockCall(id)
	if err != nil {
		return
	}
	defer m.unlockCall(c)

	state, _ := m.store.State(c.id)
	version, _ := m.store.Version(c.id)
	if state == SyncStateSynced && c.info.Version > version {
		m.requestSyncLocked(c, "server version ahead")
	}
}

func (m *Manager) onResyncTimeout(id CallID) {
	c, err := m.lockCall(id)
	if err != nil {
		return
	}
	defer m.unlockCall(c)

	if c.subscribers == 0 {
		return
	}
	if !m.coordinator.Pending(OpSync, c.id, "") {
		m.requestSyncLocked(c, "periodic")
	}
	m.resyncTimers.set(c.id, m.opts.ResyncInterval)
}

// isVersionGap reports whether err is the internal gap signal.
func isVersionGap(err error) bool {
	return errors.Is(err, ErrVersionGap)
}
