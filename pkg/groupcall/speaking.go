package groupcall

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// HandleSpeaking applies a server notification that a participant spoke at
// date (unix seconds).
func (m *Manager) HandleSpeaking(server ServerCallID, id ParticipantID, date int64) error {
	c, err := m.lockServerCall(server)
	if err != nil {
		return err
	}
	defer m.unlockCall(c)

	if _, ok, _ := m.store.Get(c.id, id); !ok {
		m.logger.Debug("Speaking notification for unknown participant",
			zap.Int32("callID", int32(c.id)),
			zap.String("participant", string(id)),
		)
		return nil
	}

	now := m.now().Unix()
	if now-date <= int64(m.opts.SpeakingTimeout/time.Second) {
		m.setSpeakingLocked(c, id, true, date)
	} else {
		m.markSpeakerLocked(c, id, date)
	}
	m.emitCallLocked(c)
	return nil
}

// SetSpeakingBySource applies a local audio-level report for an audio source.
func (m *Manager) SetSpeakingBySource(id CallID, source int32, speaking bool) error {
	c, err := m.lockCall(id)
	if err != nil {
		return err
	}
	defer m.unlockCall(c)

	pid, ok, err := m.store.FindBySource(c.id, source)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("audio source %d in call %d: %w", source, id, ErrParticipantNotFound)
	}

	at := int64(0)
	if speaking {
		at = m.now().Unix()
	}
	m.setSpeakingLocked(c, pid, speaking, at)
	m.emitCallLocked(c)
	return nil
}

func (m *Manager) setSpeakingLocked(c *call, id ParticipantID, speaking bool, at int64) {
	changed, err := m.store.SetSpeaking(c.id, id, speaking, at)
	if err != nil {
		return
	}
	if speaking {
		m.markSpeakerLocked(c, id, at)
		m.orderTimers.add(c.id, m.opts.OrderUpdateInterval)
	}
	if changed {
		m.emitParticipantsLocked(c, []ParticipantID{id})
	}
}

// markSpeakerLocked records a recent speaker and reschedules the sweep for
// the oldest entry.
func (m *Manager) markSpeakerLocked(c *call, id ParticipantID, at int64) {
	if !m.speakers.MarkSpeaking(c.id, id, at) {
		return
	}
	m.scheduleSweepLocked(c)
}

func (m *Manager) scheduleSweepLocked(c *call) {
	expiry, ok := m.speakers.NextExpiry(c.id)
	if !ok {
		return
	}
	delay := time.Duration(expiry-m.now().Unix()) * time.Second
	m.sweepTimers.set(c.id, max(delay, time.Second))
}

func (m *Manager) onOrderTimeout(id CallID) {
	c, err := m.lockCall(id)
	if err != nil {
		return
	}
	defer m.unlockCall(c)

	cutoff := m.now().Add(-m.opts.SpeakingTimeout).Unix()
	expired, err := m.store.ExpireSpeaking(c.id, cutoff)
	if err != nil {
		return
	}
	m.emitParticipantsLocked(c, expired)
	if len(expired) > 0 {
		m.emitCallLocked(c)
	}
	if m.store.AnySpeaking(c.id) {
		m.orderTimers.set(c.id, m.opts.OrderUpdateInterval)
	}
}

func (m *Manager) onSweepTimeout(id CallID) {
	c, err := m.lockCall(id)
	if err != nil {
		return
	}
	defer m.unlockCall(c)

	// the view sweeps before taking its snapshot
	m.emitCallLocked(c)
	m.scheduleSweepLocked(c)
}
