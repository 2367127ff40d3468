package groupcall

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type joinResult struct {
	resp *JoinResponse
	err  error
}

func joinAsync(m *Manager, id CallID, params JoinParams) <-chan joinResult {
	ch := make(chan joinResult, 1)
	go func() {
		resp, err := m.Join(context.Background(), id, params)
		ch <- joinResult{resp: resp, err: err}
	}()
	return ch
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for result")
		var zero T
		return zero
	}
}

// gatedJoins blocks each join until the gate of its audio source is closed.
type gatedJoins struct {
	mu    sync.Mutex
	gates map[int32]gate
}

func (g *gatedJoins) gate(source int32) gate {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gates == nil {
		g.gates = make(map[int32]gate)
	}
	if _, ok := g.gates[source]; !ok {
		g.gates[source] = make(gate)
	}
	return g.gates[source]
}

func (g *gatedJoins) join(ctx context.Context, req JoinRequest) (*JoinResponse, error) {
	if err := g.gate(req.Params.AudioSource).wait(ctx); err != nil {
		return nil, err
	}
	return &JoinResponse{Payload: []byte("answer")}, nil
}

// TestJoin_OnlyLatestGenerationSetsSelf tests that a late completion of a superseded join is dropped
func TestJoin_OnlyLatestGenerationSetsSelf(t *testing.T) {
	tr := newFakeTransport()
	gates := &gatedJoins{}
	tr.JoinFunc = gates.join
	m, _ := newTestManager(t, tr)
	id := syncedCall(t, m, tr, "room", 1, Participant{ID: "other"})

	first := joinAsync(m, id, JoinParams{As: "u", AudioSource: 111})
	require.Eventually(t, func() bool { return len(tr.joinRequests()) == 1 }, waitFor, tick)
	second := joinAsync(m, id, JoinParams{As: "u", AudioSource: 222})

	res := receive(t, first)
	assert.True(t, IsSuperseded(res.err))

	require.Eventually(t, func() bool { return len(tr.joinRequests()) == 2 }, waitFor, tick)
	joins := tr.joinRequests()
	assert.Greater(t, joins[1].Generation, joins[0].Generation)

	close(gates.gate(222))
	res = receive(t, second)
	require.NoError(t, res.err)
	assert.Equal(t, []byte("answer"), res.resp.Payload)

	close(gates.gate(111))
	require.Eventually(t, func() bool {
		return m.GetMetrics()["stale_completions"] == int64(1)
	}, waitFor, tick)

	views, err := m.Participants(id)
	require.NoError(t, err)
	var self *ParticipantView
	for i := range views {
		if views[i].IsSelf {
			self = &views[i]
		}
	}
	require.NotNil(t, self)
	assert.Equal(t, ParticipantID("u"), self.ID)
	assert.Equal(t, int32(222), self.AudioSource)

	view, _ := m.GetCall(id)
	assert.True(t, view.IsJoined)
	assert.False(t, view.IsBeingJoined)
}

func TestJoin_PicksNonZeroAudioSource(t *testing.T) {
	tr := newFakeTransport()
	m, _ := newTestManager(t, tr)
	id := syncedCall(t, m, tr, "room", 1)

	_, err := m.Join(context.Background(), id, JoinParams{As: "u"})
	require.NoError(t, err)

	joins := tr.joinRequests()
	require.Len(t, joins, 1)
	assert.NotZero(t, joins[0].Params.AudioSource)

	views, _ := m.Participants(id)
	require.Len(t, views, 1)
	assert.True(t, views[0].IsSelf)
	assert.Equal(t, joins[0].Params.AudioSource, views[0].AudioSource)
}

func TestJoin_ValidationAndUnknownCall(t *testing.T) {
	m, _ := newTestManager(t, newFakeTransport())

	_, err := m.Join(context.Background(), 1, JoinParams{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = m.Join(context.Background(), 42, JoinParams{As: "u"})
	assert.ErrorIs(t, err, ErrInvalidCall)
}

func TestJoin_CallGoneTearsDown(t *testing.T) {
	tr := newFakeTransport()
	tr.JoinFunc = func(ctx context.Context, req JoinRequest) (*JoinResponse, error) {
		return nil, ErrCallNotFound
	}
	m, _ := newTestManager(t, tr)
	id := syncedCall(t, m, tr, "room", 1)

	_, err := m.Join(context.Background(), id, JoinParams{As: "u"})
	assert.ErrorIs(t, err, ErrCallNotFound)

	_, err = m.GetCall(id)
	assert.ErrorIs(t, err, ErrInvalidCall)
	_, err = m.ServerID(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJoin_OtherFailuresSurface(t *testing.T) {
	tr := newFakeTransport()
	tr.JoinFunc = func(ctx context.Context, req JoinRequest) (*JoinResponse, error) {
		return nil, ErrInvalidArgument
	}
	m, _ := newTestManager(t, tr)
	id := syncedCall(t, m, tr, "room", 1)

	_, err := m.Join(context.Background(), id, JoinParams{As: "u"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	view, err := m.GetCall(id)
	require.NoError(t, err)
	assert.False(t, view.IsJoined)
	assert.False(t, view.IsBeingJoined)
}

func TestLeave_ParkedJoinRunsAfterAck(t *testing.T) {
	tr := newFakeTransport()
	leaveGate := make(gate)
	tr.LeaveFunc = func(ctx context.Context, call ServerCallID) error {
		return leaveGate.wait(ctx)
	}
	m, _ := newTestManager(t, tr)
	id := syncedCall(t, m, tr, "room", 1)

	_, err := m.Join(context.Background(), id, JoinParams{As: "u", AudioSource: 1})
	require.NoError(t, err)

	leaveDone := make(chan error, 1)
	go func() { leaveDone <- m.Leave(context.Background(), id) }()
	require.Eventually(t, func() bool { return tr.count("leave u") == 1 }, waitFor, tick)

	view, _ := m.GetCall(id)
	assert.False(t, view.IsJoined)

	rejoin := joinAsync(m, id, JoinParams{As: "u", AudioSource: 2})
	// the join waits for the leave
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, tr.joinRequests(), 1)

	close(leaveGate)
	require.NoError(t, receive(t, leaveDone))
	res := receive(t, rejoin)
	require.NoError(t, res.err)

	joins := tr.joinRequests()
	require.Len(t, joins, 2)
	assert.Greater(t, joins[1].Generation, joins[0].Generation)
	view, _ = m.GetCall(id)
	assert.True(t, view.IsJoined)
}

func TestLeave_TimeoutReleasesParkedJoin(t *testing.T) {
	tr := newFakeTransport()
	leaveGate := make(gate)
	tr.LeaveFunc = func(ctx context.Context, call ServerCallID) error {
		return leaveGate.wait(ctx)
	}
	m, clk := newTestManager(t, tr)
	id := syncedCall(t, m, tr, "room", 1)

	_, err := m.Join(context.Background(), id, JoinParams{As: "u", AudioSource: 1})
	require.NoError(t, err)

	go func() { _ = m.Leave(context.Background(), id) }()
	require.Eventually(t, func() bool { return tr.count("leave u") == 1 }, waitFor, tick)
	rejoin := joinAsync(m, id, JoinParams{As: "u", AudioSource: 2})

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return len(tr.joinRequests()) == 2
	}, waitFor, tick)
	require.NoError(t, receive(t, rejoin).err)

	// the late acknowledgment does not undo the new join
	close(leaveGate)
	time.Sleep(20 * time.Millisecond)
	view, _ := m.GetCall(id)
	assert.True(t, view.IsJoined)
}

func TestLeave_NotJoined(t *testing.T) {
	tr := newFakeTransport()
	m, _ := newTestManager(t, tr)
	id := syncedCall(t, m, tr, "room", 1)

	assert.ErrorIs(t, m.Leave(context.Background(), id), ErrNotJoined)
}

func TestLeave_SupersedesPendingJoin(t *testing.T) {
	tr := newFakeTransport()
	gates := &gatedJoins{}
	tr.JoinFunc = gates.join
	m, _ := newTestManager(t, tr)
	id := syncedCall(t, m, tr, "room", 1)

	pending := joinAsync(m, id, JoinParams{As: "u", AudioSource: 5})
	require.Eventually(t, func() bool { return len(tr.joinRequests()) == 1 }, waitFor, tick)

	require.NoError(t, m.Leave(context.Background(), id))
	assert.True(t, IsSuperseded(receive(t, pending).err))

	close(gates.gate(5))
	time.Sleep(20 * time.Millisecond)
	view, _ := m.GetCall(id)
	assert.False(t, view.IsJoined)
}

func TestJoin_LivenessFailureRejoins(t *testing.T) {
	tr := newFakeTransport()
	var notJoined atomic.Bool
	var failJoins atomic.Bool
	tr.CheckFunc = func(ctx context.Context, call ServerCallID) error {
		if notJoined.Load() {
			return ErrNotJoined
		}
		return nil
	}
	tr.JoinFunc = func(ctx context.Context, req JoinRequest) (*JoinResponse, error) {
		if failJoins.Load() {
			return nil, ErrTimeout
		}
		return &JoinResponse{}, nil
	}
	m, clk := newTestManager(t, tr)
	id := syncedCall(t, m, tr, "room", 1)

	_, err := m.Join(context.Background(), id, JoinParams{As: "u", AudioSource: 9})
	require.NoError(t, err)

	// a healthy check keeps the call joined
	require.Eventually(t, func() bool {
		clk.Add(10 * time.Second)
		return tr.count("check u") >= 1
	}, waitFor, tick)
	assert.Len(t, tr.joinRequests(), 1)

	notJoined.Store(true)
	require.Eventually(t, func() bool {
		clk.Add(10 * time.Second)
		return len(tr.joinRequests()) == 2
	}, waitFor, tick)
	joins := tr.joinRequests()
	assert.Equal(t, int32(9), joins[1].Params.AudioSource)

	// the next failure is followed by a failing rejoin
	failJoins.Store(true)
	require.Eventually(t, func() bool {
		clk.Add(10 * time.Second)
		view, _ := m.GetCall(id)
		return view.NeedRejoin
	}, waitFor, tick)
	view, _ := m.GetCall(id)
	assert.False(t, view.IsJoined)
}

func TestJoin_SelfRemovedByServerRejoins(t *testing.T) {
	tr := newFakeTransport()
	m, _ := newTestManager(t, tr)
	id := syncedCall(t, m, tr, "room", 1)

	_, err := m.Join(context.Background(), id, JoinParams{As: "u", AudioSource: 3})
	require.NoError(t, err)

	require.NoError(t, m.HandleParticipantsDiff("room", []Participant{{ID: "u", Left: true}}, 2))
	require.Eventually(t, func() bool { return len(tr.joinRequests()) == 2 }, waitFor, tick)
	assert.Equal(t, int64(1), m.GetMetrics()["rejoins"])
}
