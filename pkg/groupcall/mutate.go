package groupcall

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"
)

// ToggleParticipantMuted mutes or unmutes a participant. Muting yourself
// is always allowed; unmuting yourself after an admin mute requires the
// admin to have allowed it. Muting others requires moderation rights.
func (m *Manager) ToggleParticipantMuted(ctx context.Context, id CallID, pid ParticipantID, mute bool) error {
	c, err := m.lockCall(id)
	if err != nil {
		return err
	}
	view, ok, err := m.store.Get(c.id, pid)
	if err != nil || !ok {
		m.unlockCall(c)
		return participantError(id, pid, err)
	}

	cur := view.Participant
	want := muteStateOf(cur)
	if cur.IsSelf {
		if !mute && cur.IsMutedByAdmin && !cur.CanSelfUnmute {
			m.unlockCall(c)
			return fmt.Errorf("unmute %q in call %d: %w", pid, id, ErrAccessDenied)
		}
		want.SelfMuted = mute
		if !mute {
			want.MutedByAdmin = false
		}
	} else {
		if !c.canModerate {
			m.unlockCall(c)
			return fmt.Errorf("mute %q in call %d: %w", pid, id, ErrAccessDenied)
		}
		want.MutedByAdmin = mute
		want.CanSelfUnmute = !mute
	}
	if want == muteStateOf(cur) {
		m.unlockCall(c)
		return nil
	}

	promise := NewPromise[struct{}]()
	gen := m.coordinator.Begin(OpMute, c.id, pid, promise)
	if changed, _ := m.store.BeginLocalMute(c.id, pid, gen, want); changed {
		m.emitParticipantsLocked(c, []ParticipantID{pid})
	}
	server := c.server
	go func() {
		reqCtx, cancel := m.requestContext()
		defer cancel()
		p, err := m.transport.SetParticipantMuted(reqCtx, server, pid, want, gen)
		m.completeParticipantOp(id, pid, OpMute, gen, p, err, promise)
	}()
	m.unlockCall(c)

	_, err = promise.Wait(ctx)
	return err
}

// SetParticipantVolume sets a participant's volume level.
func (m *Manager) SetParticipantVolume(ctx context.Context, id CallID, pid ParticipantID, level int32) error {
	if level < MinVolumeLevel || level > MaxVolumeLevel {
		return fmt.Errorf("volume level %d out of [%d, %d]: %w", level, MinVolumeLevel, MaxVolumeLevel, ErrInvalidArgument)
	}

	c, err := m.lockCall(id)
	if err != nil {
		return err
	}
	view, ok, err := m.store.Get(c.id, pid)
	if err != nil || !ok {
		m.unlockCall(c)
		return participantError(id, pid, err)
	}
	if view.VolumeLevel == level {
		m.unlockCall(c)
		return nil
	}

	promise := NewPromise[struct{}]()
	gen := m.coordinator.Begin(OpVolume, c.id, pid, promise)
	if changed, _ := m.store.BeginLocalVolume(c.id, pid, gen, level); changed {
		m.emitParticipantsLocked(c, []ParticipantID{pid})
	}
	server := c.server
	go func() {
		reqCtx, cancel := m.requestContext()
		defer cancel()
		p, err := m.transport.SetParticipantVolume(reqCtx, server, pid, level, gen)
		m.completeParticipantOp(id, pid, OpVolume, gen, p, err, promise)
	}()
	m.unlockCall(c)

	_, err = promise.Wait(ctx)
	return err
}

// ToggleParticipantHandRaised raises or lowers a hand. Only your own hand
// can be raised; lowering someone else's requires moderation rights.
func (m *Manager) ToggleParticipantHandRaised(ctx context.Context, id CallID, pid ParticipantID, raised bool) error {
	c, err := m.lockCall(id)
	if err != nil {
		return err
	}
	view, ok, err := m.store.Get(c.id, pid)
	if err != nil || !ok {
		m.unlockCall(c)
		return participantError(id, pid, err)
	}
	if !view.IsSelf && (raised || !c.canModerate) {
		m.unlockCall(c)
		return fmt.Errorf("hand of %q in call %d: %w", pid, id, ErrAccessDenied)
	}
	if view.IsHandRaised == raised {
		m.unlockCall(c)
		return nil
	}

	promise := NewPromise[struct{}]()
	gen := m.coordinator.Begin(OpHandRaise, c.id, pid, promise)
	if changed, _ := m.store.BeginLocalHand(c.id, pid, gen, raised, m.now().Unix()); changed {
		m.emitParticipantsLocked(c, []ParticipantID{pid})
	}
	server := c.server
	go func() {
		reqCtx, cancel := m.requestContext()
		defer cancel()
		p, err := m.transport.SetParticipantHandRaised(reqCtx, server, pid, raised, gen)
		m.completeParticipantOp(id, pid, OpHandRaise, gen, p, err, promise)
	}()
	m.unlockCall(c)

	_, err = promise.Wait(ctx)
	return err
}

func (m *Manager) completeParticipantOp(id CallID, pid ParticipantID, kind OpKind, gen Generation, p *Participant, opErr error, promise *Promise[struct{}]) {
	c, err := m.lockCall(id)
	if err != nil {
		promise.Fail(err)
		return
	}
	defer m.unlockCall(c)

	if !m.coordinator.Complete(kind, c.id, pid, gen) {
		m.staleOperations.Add(1)
		return
	}

	if opErr != nil {
		m.logger.Warn("Participant request failed",
			zap.Int32("callID", int32(c.id)),
			zap.String("participant", string(pid)),
			zap.Stringer("kind", kind),
			zap.Error(opErr),
		)
		if changed, _ := m.store.FinishLocal(c.id, pid, kind, gen, false); changed {
			m.emitParticipantsLocked(c, []ParticipantID{pid})
		}
		promise.Fail(opErr)
		if isCallGone(opErr) {
			m.destroyLocked(c, opErr, true)
		}
		return
	}

	if changed, _ := m.store.FinishLocal(c.id, pid, kind, gen, true); changed {
		m.emitParticipantsLocked(c, []ParticipantID{pid})
	}
	if p != nil {
		upd := *p
		upd.ID = pid
		m.upsertParticipantLocked(c, upd, Provenance{Kind: kind, Generation: gen})
	}
	promise.Resolve(struct{}{})
}

// ToggleRecording starts or stops recording the call. Requires moderation
// rights.
func (m *Manager) ToggleRecording(ctx context.Context, id CallID, enabled bool, title string) error {
	c, err := m.lockCall(id)
	if err != nil {
		return err
	}
	if !c.canModerate {
		m.unlockCall(c)
		return fmt.Errorf("recording of call %d: %w", id, ErrAccessDenied)
	}
	current := c.info.RecordStartedAt
	if c.pendingRecording != nil {
		current = c.pendingRecording.value
	}
	if (current != 0) == enabled {
		m.unlockCall(c)
		return nil
	}

	startedAt := int64(0)
	if enabled {
		startedAt = m.now().Unix()
	}
	title = cleanTitle(title)

	promise := NewPromise[struct{}]()
	gen := m.coordinator.Begin(OpRecording, c.id, "", promise)
	c.pendingRecording = &pendingValue[int64]{generation: gen, value: startedAt}
	m.emitCallLocked(c)

	server := c.server
	go func() {
		reqCtx, cancel := m.requestContext()
		defer cancel()
		err := m.transport.ToggleRecording(reqCtx, server, enabled, title, gen)
		m.completeCallOp(id, OpRecording, gen, err, promise, func(c *call, ok bool) {
			if ok {
				c.info.RecordStartedAt = startedAt
			}
			c.pendingRecording = nil
		})
	}()
	m.unlockCall(c)

	_, err = promise.Wait(ctx)
	return err
}

// SetTitle renames the call. Requires moderation rights.
func (m *Manager) SetTitle(ctx context.Context, id CallID, title string) error {
	title = cleanTitle(title)

	c, err := m.lockCall(id)
	if err != nil {
		return err
	}
	if !c.canModerate {
		m.unlockCall(c)
		return fmt.Errorf("title of call %d: %w", id, ErrAccessDenied)
	}
	current := c.info.Title
	if c.pendingTitle != nil {
		current = c.pendingTitle.value
	}
	if current == title {
		m.unlockCall(c)
		return nil
	}

	promise := NewPromise[struct{}]()
	gen := m.coordinator.Begin(OpTitle, c.id, "", promise)
	c.pendingTitle = &pendingValue[string]{generation: gen, value: title}
	m.emitCallLocked(c)

	server := c.server
	go func() {
		reqCtx, cancel := m.requestContext()
		defer cancel()
		err := m.transport.SetTitle(reqCtx, server, title, gen)
		m.completeCallOp(id, OpTitle, gen, err, promise, func(c *call, ok bool) {
			if ok {
				c.info.Title = title
			}
			c.pendingTitle = nil
		})
	}()
	m.unlockCall(c)

	_, err = promise.Wait(ctx)
	return err
}

// ToggleMuteNewParticipants changes whether new participants join muted.
func (m *Manager) ToggleMuteNewParticipants(ctx context.Context, id CallID, mute bool) error {
	c, err := m.lockCall(id)
	if err != nil {
		return err
	}
	if !c.info.CanChangeMuteNewParticipants && !c.canModerate {
		m.unlockCall(c)
		return fmt.Errorf("mute new participants in call %d: %w", id, ErrAccessDenied)
	}
	current := c.info.MuteNewParticipants
	if c.pendingMuteNew != nil {
		current = c.pendingMuteNew.value
	}
	if current == mute {
		m.unlockCall(c)
		return nil
	}

	promise := NewPromise[struct{}]()
	gen := m.coordinator.Begin(OpMuteNewParticipants, c.id, "", promise)
	c.pendingMuteNew = &pendingValue[bool]{generation: gen, value: mute}
	m.emitCallLocked(c)

	server := c.server
	go func() {
		reqCtx, cancel := m.requestContext()
		defer cancel()
		err := m.transport.ToggleMuteNewParticipants(reqCtx, server, mute, gen)
		m.completeCallOp(id, OpMuteNewParticipants, gen, err, promise, func(c *call, ok bool) {
			if ok {
				c.info.MuteNewParticipants = mute
			}
			c.pendingMuteNew = nil
		})
	}()
	m.unlockCall(c)

	_, err = promise.Wait(ctx)
	return err
}

// completeCallOp settles a call-level request; apply commits or reverts
// its local echo.
func (m *Manager) completeCallOp(id CallID, kind OpKind, gen Generation, opErr error, promise *Promise[struct{}], apply func(c *call, ok bool)) {
	c, err := m.lockCall(id)
	if err != nil {
		promise.Fail(err)
		return
	}
	defer m.unlockCall(c)

	if !m.coordinator.Complete(kind, c.id, "", gen) {
		m.staleOperations.Add(1)
		return
	}

	apply(c, opErr == nil)
	if opErr != nil {
		m.logger.Warn("Call request failed",
			zap.Int32("callID", int32(c.id)),
			zap.Stringer("kind", kind),
			zap.Error(opErr),
		)
		promise.Fail(opErr)
		if isCallGone(opErr) {
			m.destroyLocked(c, opErr, true)
			return
		}
	} else {
		promise.Resolve(struct{}{})
	}
	m.emitCallLocked(c)
}

func participantError(id CallID, pid ParticipantID, err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("participant %q in call %d: %w", pid, id, ErrParticipantNotFound)
}

// cleanTitle strips control characters and surrounding space and truncates
// to MaxTitleLength code points.
func cleanTitle(title string) string {
	title = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, title)
	title = strings.TrimSpace(title)
	if runes := []rune(title); len(runes) > MaxTitleLength {
		title = strings.TrimSpace(string(runes[:MaxTitleLength]))
	}
	return title
}
