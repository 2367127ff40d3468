package groupcall

import (
	"context"
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"
)

// Join joins the call. A join still in flight is superseded and its caller
// receives ErrSuperseded. If a leave is in progress the join is issued once
// the leave is acknowledged or times out.
func (m *Manager) Join(ctx context.Context, id CallID, params JoinParams) (*JoinResponse, error) {
	if params.As == "" {
		return nil, fmt.Errorf("join call %d without identity: %w", id, ErrInvalidArgument)
	}
	for params.AudioSource == 0 {
		params.AudioSource = rand.Int32()
	}

	c, err := m.lockCall(id)
	if err != nil {
		return nil, err
	}

	promise := NewPromise[*JoinResponse]()
	if c.isBeingLeft {
		if c.parked != nil {
			c.parked.promise.Fail(ErrSuperseded)
		}
		c.parked = &pendingJoin{params: params, promise: promise}
		m.logger.Debug("Parking join until leave completes",
			zap.Int32("callID", int32(c.id)),
			zap.String("as", string(params.As)),
		)
	} else {
		m.startJoinLocked(c, pendingJoin{params: params, promise: promise})
	}
	m.unlockCall(c)

	return promise.Wait(ctx)
}

func (m *Manager) startJoinLocked(c *call, req pendingJoin) {
	gen := m.coordinator.Begin(OpJoin, c.id, "", req.promise)
	params := req.params
	c.joinGen = gen
	c.lastJoin = &params
	c.isBeingJoined = true
	c.needRejoin = false

	m.logger.Info("Joining group call",
		zap.Int32("callID", int32(c.id)),
		zap.String("as", string(params.As)),
		zap.Int32("audioSource", params.AudioSource),
		zap.Uint64("generation", uint64(gen)),
		zap.Bool("rejoin", req.rejoin),
	)
	m.emitCallLocked(c)

	server := c.server
	go func() {
		ctx, cancel := m.requestContext()
		defer cancel()
		resp, err := m.transport.Join(ctx, JoinRequest{Call: server, Params: params, Generation: gen})
		m.completeJoin(c.id, gen, req, resp, err)
	}()
}

func (m *Manager) completeJoin(id CallID, gen Generation, req pendingJoin, resp *JoinResponse, joinErr error) {
	c, err := m.lockCall(id)
	if err != nil {
		req.promise.Fail(err)
		return
	}
	defer m.unlockCall(c)

	if !m.coordinator.Complete(OpJoin, c.id, "", gen) {
		m.staleOperations.Add(1)
		return
	}
	c.isBeingJoined = false

	if joinErr != nil {
		m.logger.Warn("Failed to join group call",
			zap.Int32("callID", int32(c.id)),
			zap.Uint64("generation", uint64(gen)),
			zap.Bool("rejoin", req.rejoin),
			zap.Error(joinErr),
		)
		req.promise.Fail(joinErr)
		if tearsDownCall(joinErr) {
			m.destroyLocked(c, joinErr, true)
			return
		}
		if req.rejoin {
			m.dropSelfLocked(c)
			c.needRejoin = true
		}
		m.emitCallLocked(c)
		return
	}
	if resp == nil {
		resp = &JoinResponse{}
	}

	params := req.params
	c.joined = true
	c.joinedAs = params.As
	c.audioSource = params.AudioSource
	c.needRejoin = false

	changed, _ := m.store.SetSelf(c.id, params.As)
	m.emitParticipantsLocked(c, changed)
	prov := Provenance{Kind: OpJoin, Generation: gen}
	if resp.Self != nil {
		self := *resp.Self
		self.ID = params.As
		m.upsertParticipantLocked(c, self, prov)
	} else if _, ok, _ := m.store.Get(c.id, params.As); ok {
		if changed, _ := m.store.SetAudioSource(c.id, params.As, params.AudioSource); changed {
			m.emitParticipantsLocked(c, []ParticipantID{params.As})
		}
	} else {
		m.upsertParticipantLocked(c, Participant{
			ID:          params.As,
			IsSelfMuted: params.IsMuted,
			JoinedAt:    m.now().Unix(),
		}, prov)
	}

	if state, _ := m.store.State(c.id); state == SyncStateSynced {
		if version, _ := m.store.Version(c.id); resp.Version > version {
			m.versionTimers.add(c.id, m.opts.VersionSyncDelay)
		}
	}
	m.joinTimers.set(c.id, m.opts.JoinCheckInterval)
	m.emitCallLocked(c)

	m.logger.Info("Joined group call",
		zap.Int32("callID", int32(c.id)),
		zap.String("as", string(params.As)),
		zap.Uint64("generation", uint64(gen)),
	)
	req.promise.Resolve(resp)
}

// rejoinLocked reissues the last join after the server lost us.
func (m *Manager) rejoinLocked(c *call) {
	if c.lastJoin == nil || c.isBeingLeft {
		return
	}
	m.rejoins.Add(1)
	promise := NewPromise[*JoinResponse]()
	m.startJoinLocked(c, pendingJoin{params: *c.lastJoin, promise: promise, rejoin: true})
}

// dropSelfLocked forgets the local joined state.
func (m *Manager) dropSelfLocked(c *call) {
	c.joined = false
	c.joinedAs = ""
	c.audioSource = 0
	changed, _ := m.store.SetSelf(c.id, "")
	m.emitParticipantsLocked(c, changed)
}

// Leave leaves the call. A pending join is superseded.
func (m *Manager) Leave(ctx context.Context, id CallID) error {
	c, err := m.lockCall(id)
	if err != nil {
		return err
	}
	if !c.joined && !c.isBeingJoined {
		m.unlockCall(c)
		return fmt.Errorf("leave call %d: %w", id, ErrNotJoined)
	}

	gen := m.coordinator.Begin(OpJoin, c.id, "", nil)
	as, source := c.joinedAs, c.audioSource
	if as == "" && c.lastJoin != nil {
		as, source = c.lastJoin.As, c.lastJoin.AudioSource
	}
	c.isBeingJoined = false
	c.isBeingLeft = true
	c.needRejoin = false
	c.joinGen = gen
	c.leaveGen = gen
	m.dropSelfLocked(c)
	m.leaveTimers.set(c.id, m.opts.LeaveTimeout)
	m.emitCallLocked(c)

	m.logger.Info("Leaving group call",
		zap.Int32("callID", int32(c.id)),
		zap.String("as", string(as)),
		zap.Uint64("generation", uint64(gen)),
	)

	promise := NewPromise[struct{}]()
	server := c.server
	go func() {
		reqCtx, cancel := m.requestContext()
		defer cancel()
		leaveErr := m.transport.Leave(reqCtx, server, as, source, gen)
		m.completeLeave(id, gen, leaveErr, promise)
	}()
	m.unlockCall(c)

	_, err = promise.Wait(ctx)
	return err
}

func (m *Manager) completeLeave(id CallID, gen Generation, leaveErr error, promise *Promise[struct{}]) {
	if leaveErr != nil {
		promise.Fail(leaveErr)
	} else {
		promise.Resolve(struct{}{})
	}

	c, err := m.lockCall(id)
	if err != nil {
		return
	}
	defer m.unlockCall(c)

	m.coordinator.Complete(OpJoin, c.id, "", gen)
	if c.leaveGen != gen {
		// the leave timed out or a later leave took over
		return
	}
	if leaveErr != nil {
		m.logger.Warn("Leave request failed",
			zap.Int32("callID", int32(c.id)),
			zap.Error(leaveErr),
		)
	}
	m.finishLeaveLocked(c)
}

func (m *Manager) onLeaveTimeout(id CallID) {
	c, err := m.lockCall(id)
	if err != nil {
		return
	}
	defer m.unlockCall(c)

	if !c.isBeingLeft {
		return
	}
	m.logger.Warn("Leave was not acknowledged in time",
		zap.Int32("callID", int32(c.id)),
		zap.Duration("timeout", m.opts.LeaveTimeout),
	)
	m.finishLeaveLocked(c)
}

// finishLeaveLocked ends the leave and issues a parked join with a fresh
// generation, or releases the call if nobody needs it.
func (m *Manager) finishLeaveLocked(c *call) {
	c.isBeingLeft = false
	c.leaveGen = 0

	if c.parked != nil {
		parked := *c.parked
		c.parked = nil
		m.startJoinLocked(c, parked)
		return
	}
	m.emitCallLocked(c)
	m.releaseIfUnusedLocked(c)
}

func (m *Manager) onJoinCheckTimeout(id CallID) {
	c, err := m.lockCall(id)
	if err != nil {
		return
	}
	defer m.unlockCall(c)

	if !c.joined || c.isBeingJoined || c.isBeingLeft {
		return
	}
	server, as, source, gen := c.server, c.joinedAs, c.audioSource, c.joinGen
	go func() {
		ctx, cancel := m.requestContext()
		defer cancel()
		checkErr := m.transport.CheckJoined(ctx, server, as, source)
		m.completeJoinCheck(id, gen, checkErr)
	}()
}

func (m *Manager) completeJoinCheck(id CallID, gen Generation, checkErr error) {
	c, err := m.lockCall(id)
	if err != nil {
		return
	}
	defer m.unlockCall(c)

	if c.joinGen != gen || !c.joined || c.isBeingJoined || c.isBeingLeft {
		return
	}

	switch {
	case checkErr == nil:
		m.joinTimers.set(c.id, m.opts.JoinCheckInterval)
	case tearsDownCall(checkErr):
		m.destroyLocked(c, checkErr, true)
	case isLivenessFailure(checkErr):
		m.logger.Warn("Join liveness check failed, rejoining",
			zap.Int32("callID", int32(c.id)),
			zap.Error(checkErr),
		)
		m.rejoinLocked(c)
	default:
		m.logger.Debug("Join liveness check errored",
			zap.Int32("callID", int32(c.id)),
			zap.Error(checkErr),
		)
		m.joinTimers.set(c.id, m.opts.JoinCheckInterval)
	}
}
