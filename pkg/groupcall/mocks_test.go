package groupcall

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// staticRights grants the same moderation rights in every conversation.
type staticRights bool

func (r staticRights) CanModerate(string) bool { return bool(r) }

// fakeTransport is an in-memory Transport. Each hook, when set, replaces
// the default behavior of the matching request.
type fakeTransport struct {
	mu           sync.Mutex
	participants map[ServerCallID][]Participant
	versions     map[ServerCallID]int32
	requests     []string
	joins        []JoinRequest

	FetchFunc   func(ctx context.Context, call ServerCallID, cursor string, limit int) (*ParticipantPage, error)
	JoinFunc    func(ctx context.Context, req JoinRequest) (*JoinResponse, error)
	LeaveFunc   func(ctx context.Context, call ServerCallID) error
	CheckFunc   func(ctx context.Context, call ServerCallID) error
	MuteFunc    func(ctx context.Context, id ParticipantID, state MuteState) (*Participant, error)
	VolumeFunc  func(ctx context.Context, id ParticipantID, level int32) (*Participant, error)
	HandFunc    func(ctx context.Context, id ParticipantID, raised bool) (*Participant, error)
	CallOpFunc  func(ctx context.Context, kind OpKind) error
	CreateFunc  func(ctx context.Context, conversation, title string) (*CallInfo, error)
	DiscardFunc func(ctx context.Context, call ServerCallID) error
	InviteFunc  func(ctx context.Context, users []ParticipantID) error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		participants: make(map[ServerCallID][]Participant),
		versions:     make(map[ServerCallID]int32),
	}
}

func (f *fakeTransport) setParticipants(call ServerCallID, version int32, ps ...Participant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participants[call] = append([]Participant(nil), ps...)
	f.versions[call] = version
}

func (f *fakeTransport) record(format string, args ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, fmt.Sprintf(format, args...))
}

func (f *fakeTransport) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if len(r) >= len(prefix) && r[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeTransport) joinRequests() []JoinRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]JoinRequest(nil), f.joins...)
}

func (f *fakeTransport) CreateCall(ctx context.Context, conversation, title string) (*CallInfo, error) {
	f.record("create %s", conversation)
	if f.CreateFunc != nil {
		return f.CreateFunc(ctx, conversation, title)
	}
	return &CallInfo{ServerID: ServerCallID("room-" + conversation), Conversation: conversation, Title: title, IsActive: true}, nil
}

func (f *fakeTransport) FetchCall(ctx context.Context, call ServerCallID) (*CallInfo, error) {
	f.record("fetch_call %s", call)
	f.mu.Lock()
	defer f.mu.Unlock()
	return &CallInfo{
		ServerID:         call,
		Conversation:     "chat",
		IsActive:         true,
		ParticipantCount: int32(len(f.participants[call])),
		Version:          f.versions[call],
	}, nil
}

func (f *fakeTransport) FetchParticipants(ctx context.Context, call ServerCallID, cursor string, limit int, gen Generation) (*ParticipantPage, error) {
	f.record("fetch %s %s", call, cursor)
	if f.FetchFunc != nil {
		return f.FetchFunc(ctx, call, cursor, limit)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.participants[call]
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := min(start+limit, len(all))
	page := &ParticipantPage{
		Participants: append([]Participant(nil), all[start:end]...),
		Version:      f.versions[call],
		TotalCount:   int32(len(all)),
	}
	if end < len(all) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeTransport) DiscardCall(ctx context.Context, call ServerCallID) error {
	f.record("discard %s", call)
	if f.DiscardFunc != nil {
		return f.DiscardFunc(ctx, call)
	}
	return nil
}

func (f *fakeTransport) Join(ctx context.Context, req JoinRequest) (*JoinResponse, error) {
	f.mu.Lock()
	f.joins = append(f.joins, req)
	f.mu.Unlock()
	f.record("join %s %d", req.Params.As, req.Params.AudioSource)
	if f.JoinFunc != nil {
		return f.JoinFunc(ctx, req)
	}
	return &JoinResponse{Payload: []byte("answer")}, nil
}

func (f *fakeTransport) Leave(ctx context.Context, call ServerCallID, as ParticipantID, audioSource int32, gen Generation) error {
	f.record("leave %s", as)
	if f.LeaveFunc != nil {
		return f.LeaveFunc(ctx, call)
	}
	return nil
}

func (f *fakeTransport) CheckJoined(ctx context.Context, call ServerCallID, as ParticipantID, audioSource int32) error {
	f.record("check %s", as)
	if f.CheckFunc != nil {
		return f.CheckFunc(ctx, call)
	}
	return nil
}

func (f *fakeTransport) SetParticipantMuted(ctx context.Context, call ServerCallID, id ParticipantID, state MuteState, gen Generation) (*Participant, error) {
	f.record("mute %s", id)
	if f.MuteFunc != nil {
		return f.MuteFunc(ctx, id, state)
	}
	return nil, nil
}

func (f *fakeTransport) SetParticipantVolume(ctx context.Context, call ServerCallID, id ParticipantID, level int32, gen Generation) (*Participant, error) {
	f.record("volume %s %d", id, level)
	if f.VolumeFunc != nil {
		return f.VolumeFunc(ctx, id, level)
	}
	return nil, nil
}

func (f *fakeTransport) SetParticipantHandRaised(ctx context.Context, call ServerCallID, id ParticipantID, raised bool, gen Generation) (*Participant, error) {
	f.record("hand %s %t", id, raised)
	if f.HandFunc != nil {
		return f.HandFunc(ctx, id, raised)
	}
	return nil, nil
}

func (f *fakeTransport) ToggleRecording(ctx context.Context, call ServerCallID, enabled bool, title string, gen Generation) error {
	f.record("recording %t", enabled)
	if f.CallOpFunc != nil {
		return f.CallOpFunc(ctx, OpRecording)
	}
	return nil
}

func (f *fakeTransport) SetTitle(ctx context.Context, call ServerCallID, title string, gen Generation) error {
	f.record("title %s", title)
	if f.CallOpFunc != nil {
		return f.CallOpFunc(ctx, OpTitle)
	}
	return nil
}

func (f *fakeTransport) ToggleMuteNewParticipants(ctx context.Context, call ServerCallID, mute bool, gen Generation) error {
	f.record("mute_new %t", mute)
	if f.CallOpFunc != nil {
		return f.CallOpFunc(ctx, OpMuteNewParticipants)
	}
	return nil
}

func (f *fakeTransport) GetInviteLink(ctx context.Context, call ServerCallID, canSelfUnmute bool) (string, error) {
	f.record("invite_link %t", canSelfUnmute)
	if canSelfUnmute {
		return "https://calls.example.com/" + string(call) + "?speaker=1", nil
	}
	return "https://calls.example.com/" + string(call), nil
}

func (f *fakeTransport) RevokeInviteLink(ctx context.Context, call ServerCallID) error {
	f.record("revoke_link")
	return nil
}

func (f *fakeTransport) InviteParticipants(ctx context.Context, call ServerCallID, users []ParticipantID) error {
	f.record("invite %d", len(users))
	if f.InviteFunc != nil {
		return f.InviteFunc(ctx, users)
	}
	return nil
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestManager(t *testing.T, tr Transport) (*Manager, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	m := NewManager(tr, ManagerOptions{
		Logger:         zap.NewNop(),
		Clock:          clk,
		Rights:         staticRights(true),
		ResyncInterval: -1,
	})
	t.Cleanup(m.Stop)
	return m, clk
}

// syncedCall registers a call and waits for its first participant fetch.
func syncedCall(t *testing.T, m *Manager, tr *fakeTransport, server ServerCallID, version int32, ps ...Participant) CallID {
	t.Helper()
	tr.setParticipants(server, version, ps...)
	id, err := m.HandleCallUpdate(CallInfo{ServerID: server, Conversation: "chat", IsActive: true, Version: version})
	require.NoError(t, err)
	require.NoError(t, m.Subscribe(id))
	waitState(t, m, id, SyncStateSynced)
	return id
}

func waitState(t *testing.T, m *Manager, id CallID, want SyncState) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, err := m.store.State(id)
		return err == nil && state == want
	}, waitFor, tick)
}

func participantIDs(views []ParticipantView) []ParticipantID {
	ids := make([]ParticipantID, 0, len(views))
	for _, v := range views {
		ids = append(ids, v.ID)
	}
	return ids
}

// gate blocks a fake request until released.
type gate chan struct{}

func (g gate) wait(ctx context.Context) error {
	select {
	case <-g:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
