package lkcall_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/am-sokolov/livekit-groupcall-go/internal/test/mocks"
	"github.com/am-sokolov/livekit-groupcall-go/pkg/groupcall"
	"github.com/am-sokolov/livekit-groupcall-go/pkg/lkcall"
)

type diffCall struct {
	server       groupcall.ServerCallID
	participants []groupcall.Participant
	version      int32
}

// recordingSink records what the receiver delivers and tracks calls by name.
type recordingSink struct {
	mu      sync.Mutex
	known   map[groupcall.ServerCallID]groupcall.CallID
	updates []groupcall.CallInfo
	diffs   []diffCall
	reloads []groupcall.CallID
}

func newRecordingSink() *recordingSink {
	return &recordingSink{known: make(map[groupcall.ServerCallID]groupcall.CallID)}
}

func (s *recordingSink) HandleCallUpdate(info groupcall.CallInfo) (groupcall.CallID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, info)
	id, ok := s.known[info.ServerID]
	if !info.IsActive {
		if !ok {
			return 0, groupcall.ErrCallNotFound
		}
		delete(s.known, info.ServerID)
		return id, nil
	}
	if !ok {
		id = groupcall.CallID(len(s.known) + 1)
		s.known[info.ServerID] = id
	}
	return id, nil
}

func (s *recordingSink) HandleParticipantsDiff(server groupcall.ServerCallID, ps []groupcall.Participant, version int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.known[server]; !ok {
		return groupcall.ErrInvalidCall
	}
	s.diffs = append(s.diffs, diffCall{server: server, participants: ps, version: version})
	return nil
}

func (s *recordingSink) Lookup(server groupcall.ServerCallID) (groupcall.CallID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.known[server]
	return id, ok
}

func (s *recordingSink) ReloadCall(ctx context.Context, id groupcall.CallID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads = append(s.reloads, id)
	return nil
}

// mockSink is an EventSink driven by expectations.
type mockSink struct {
	mock.Mock
}

func (m *mockSink) HandleCallUpdate(info groupcall.CallInfo) (groupcall.CallID, error) {
	args := m.Called(info)
	return args.Get(0).(groupcall.CallID), args.Error(1)
}

func (m *mockSink) HandleParticipantsDiff(server groupcall.ServerCallID, ps []groupcall.Participant, version int32) error {
	return m.Called(server, ps, version).Error(0)
}

func (m *mockSink) Lookup(server groupcall.ServerCallID) (groupcall.CallID, bool) {
	args := m.Called(server)
	return args.Get(0).(groupcall.CallID), args.Bool(1)
}

func (m *mockSink) ReloadCall(ctx context.Context, id groupcall.CallID) error {
	return m.Called(ctx, id).Error(0)
}

func newReceiver(t *testing.T) (*lkcall.WebhookReceiver, *recordingSink, *fixture) {
	t.Helper()
	f := newFixture(t)
	sink := newRecordingSink()
	receiver := lkcall.NewWebhookReceiver(f.transport, sink, auth.NewSimpleKeyProvider(testAPIKey, testAPISecret), zap.NewNop())
	return receiver, sink, f
}

// signedRequest builds a webhook delivery the way the LiveKit server signs it.
func signedRequest(t *testing.T, event *livekit.WebhookEvent, secret string) *http.Request {
	t.Helper()
	body, err := protojson.Marshal(event)
	require.NoError(t, err)
	sum := sha256.Sum256(body)

	token := auth.NewAccessToken(testAPIKey, secret)
	token.SetValidFor(time.Minute)
	token.SetSha256(base64.StdEncoding.EncodeToString(sum[:]))
	jwt, err := token.ToJWT()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/webhook+json")
	req.Header.Set("Authorization", jwt)
	return req
}

func TestWebhook_ParticipantEventsAreVersioned(t *testing.T) {
	receiver, sink, f := newReceiver(t)
	ctx := context.Background()
	room := &livekit.Room{Name: "room", Metadata: `{"title":"daily"}`}

	require.NoError(t, receiver.HandleEvent(ctx, &livekit.WebhookEvent{
		Id:          "EV_1",
		Event:       webhook.EventParticipantJoined,
		Room:        room,
		Participant: &livekit.ParticipantInfo{Identity: "alice"},
	}))
	require.NoError(t, receiver.HandleEvent(ctx, &livekit.WebhookEvent{
		Id:          "EV_2",
		Event:       webhook.EventTrackPublished,
		Room:        room,
		Participant: &livekit.ParticipantInfo{Identity: "alice", Tracks: []*livekit.TrackInfo{microphone("TR_a", false)}},
	}))
	require.NoError(t, receiver.HandleEvent(ctx, &livekit.WebhookEvent{
		Id:          "EV_3",
		Event:       webhook.EventParticipantLeft,
		Room:        room,
		Participant: &livekit.ParticipantInfo{Identity: "alice"},
	}))

	// the unknown room was registered before the first diff
	require.Len(t, sink.updates, 1)
	assert.Equal(t, "daily", sink.updates[0].Title)
	assert.Equal(t, int32(0), sink.updates[0].Version)

	require.Len(t, sink.diffs, 3)
	for i, d := range sink.diffs {
		assert.Equal(t, int32(i+1), d.version)
	}
	assert.False(t, sink.diffs[1].participants[0].IsSelfMuted)
	assert.True(t, sink.diffs[2].participants[0].Left)
	assert.Equal(t, int32(3), f.transport.Version("room"))
}

func TestWebhook_RedeliveryIsIgnored(t *testing.T) {
	receiver, sink, f := newReceiver(t)
	event := &livekit.WebhookEvent{
		Id:          "EV_dup",
		Event:       webhook.EventParticipantJoined,
		Room:        &livekit.Room{Name: "room"},
		Participant: &livekit.ParticipantInfo{Identity: "bob"},
	}

	require.NoError(t, receiver.HandleEvent(context.Background(), event))
	require.NoError(t, receiver.HandleEvent(context.Background(), event))
	assert.Len(t, sink.diffs, 1)
	assert.Equal(t, int32(1), f.transport.Version("room"))

	f.clock.Add(2 * time.Hour)
	assert.Equal(t, 1, receiver.PruneSeen(time.Hour))
	assert.Equal(t, 0, receiver.PruneSeen(time.Hour))
}

func TestWebhook_HiddenParticipantsAreIgnored(t *testing.T) {
	receiver, sink, f := newReceiver(t)
	ctx := context.Background()
	room := &livekit.Room{Name: "room"}
	observer := &livekit.ParticipantInfo{
		Identity:   lkcall.ObserverIdentityPrefix + "monitor",
		Permission: &livekit.ParticipantPermission{Hidden: true},
	}

	require.NoError(t, receiver.HandleEvent(ctx, &livekit.WebhookEvent{
		Id: "EV_h1", Event: webhook.EventParticipantJoined, Room: room, Participant: observer,
	}))
	require.NoError(t, receiver.HandleEvent(ctx, &livekit.WebhookEvent{
		Id: "EV_h2", Event: webhook.EventParticipantLeft, Room: room, Participant: observer,
	}))
	require.NoError(t, receiver.HandleEvent(ctx, &livekit.WebhookEvent{
		Id:          "EV_h3",
		Event:       webhook.EventParticipantJoined,
		Room:        room,
		Participant: &livekit.ParticipantInfo{Identity: "EG_1", Kind: livekit.ParticipantInfo_EGRESS},
	}))

	assert.Empty(t, sink.diffs)
	assert.Equal(t, int32(0), f.transport.Version("room"))
}

func TestWebhook_RoomLifecycleAndEgress(t *testing.T) {
	receiver, sink, f := newReceiver(t)
	ctx := context.Background()
	room := &livekit.Room{Name: "room"}

	require.NoError(t, receiver.HandleEvent(ctx, &livekit.WebhookEvent{Id: "1", Event: webhook.EventRoomStarted, Room: room}))
	id, ok := sink.Lookup("room")
	require.True(t, ok)

	require.NoError(t, receiver.HandleEvent(ctx, &livekit.WebhookEvent{
		Id:         "2",
		Event:      webhook.EventEgressStarted,
		EgressInfo: &livekit.EgressInfo{EgressId: "EG_1", RoomName: "room"},
	}))
	assert.Equal(t, []groupcall.CallID{id}, sink.reloads)

	require.NoError(t, receiver.HandleEvent(ctx, &livekit.WebhookEvent{
		Id:          "3",
		Event:       webhook.EventParticipantJoined,
		Room:        room,
		Participant: &livekit.ParticipantInfo{Identity: "carol"},
	}))
	require.NoError(t, receiver.HandleEvent(ctx, &livekit.WebhookEvent{Id: "4", Event: webhook.EventRoomFinished, Room: room}))
	_, ok = sink.Lookup("room")
	assert.False(t, ok)
	assert.Zero(t, f.transport.Version("room"), "versions restart with the room")

	// finishing an unknown room is not an error
	require.NoError(t, receiver.HandleEvent(ctx, &livekit.WebhookEvent{Id: "5", Event: webhook.EventRoomFinished, Room: room}))
	// nor is a departure from it
	require.NoError(t, receiver.HandleEvent(ctx, &livekit.WebhookEvent{
		Id:          "6",
		Event:       webhook.EventParticipantLeft,
		Room:        room,
		Participant: &livekit.ParticipantInfo{Identity: "carol"},
	}))
}

func TestWebhook_ServeHTTPVerifiesSignature(t *testing.T) {
	receiver, sink, _ := newReceiver(t)
	event := &livekit.WebhookEvent{
		Id:    "EV_http",
		Event: webhook.EventRoomStarted,
		Room:  &livekit.Room{Name: "room"},
	}

	rec := httptest.NewRecorder()
	receiver.ServeHTTP(rec, signedRequest(t, event, "another-secret-that-is-long-enough"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, sink.updates)

	rec = httptest.NewRecorder()
	receiver.ServeHTTP(rec, signedRequest(t, event, testAPISecret))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sink.updates, 1)
	assert.Equal(t, groupcall.ServerCallID("room"), sink.updates[0].ServerID)
}

// TestWebhook_DrivesManager runs webhooks through a real manager backed by
// the LiveKit transport.
func TestWebhook_DrivesManager(t *testing.T) {
	f := newFixture(t)
	f.rooms.AddRoom("room", `{"conversation":"team"}`)
	f.rooms.AddParticipant("room", &livekit.ParticipantInfo{Identity: "alice"})

	manager := groupcall.NewManager(f.transport, groupcall.ManagerOptions{ResyncInterval: -1})
	defer manager.Stop()
	events := mocks.NewMockEventRecorder()
	events.Attach(manager)
	receiver := lkcall.NewWebhookReceiver(f.transport, manager, auth.NewSimpleKeyProvider(testAPIKey, testAPISecret), nil)

	ctx := context.Background()
	require.NoError(t, receiver.HandleEvent(ctx, &livekit.WebhookEvent{
		Id:    "1",
		Event: webhook.EventRoomStarted,
		Room:  f.rooms.Room("room"),
	}))
	id, ok := manager.Lookup("room")
	require.True(t, ok)
	require.NoError(t, manager.Subscribe(id))

	require.Eventually(t, func() bool {
		views, err := manager.Participants(id)
		return err == nil && len(views) == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.rooms.AddParticipant("room", &livekit.ParticipantInfo{Identity: "bob"})
	require.NoError(t, receiver.HandleEvent(ctx, &livekit.WebhookEvent{
		Id:          "2",
		Event:       webhook.EventParticipantJoined,
		Room:        f.rooms.Room("room"),
		Participant: f.rooms.Participant("room", "bob"),
	}))

	views, err := manager.Participants(id)
	require.NoError(t, err)
	ids := make([]groupcall.ParticipantID, 0, len(views))
	for _, v := range views {
		ids = append(ids, v.ID)
	}
	assert.Equal(t, []groupcall.ParticipantID{"bob", "alice"}, ids)

	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, manager.Flush(flushCtx))
	assert.Len(t, events.Participants(id), 2)
	assert.NotEmpty(t, events.GetEvents())
	view, ok := events.LastCall(id)
	require.True(t, ok)
	assert.Equal(t, "team", view.Conversation)
}

func TestWebhook_SinkFailures(t *testing.T) {
	f := newFixture(t)
	sink := &mockSink{}
	receiver := lkcall.NewWebhookReceiver(f.transport, sink, auth.NewSimpleKeyProvider(testAPIKey, testAPISecret), nil)
	failure := errors.New("engine unavailable")

	sink.On("HandleParticipantsDiff", groupcall.ServerCallID("room"), mock.Anything, int32(1)).Return(failure).Once()
	err := receiver.HandleEvent(context.Background(), &livekit.WebhookEvent{
		Id:          "1",
		Event:       webhook.EventParticipantJoined,
		Room:        &livekit.Room{Name: "room"},
		Participant: &livekit.ParticipantInfo{Identity: "alice"},
	})
	assert.ErrorIs(t, err, failure)

	sink.On("Lookup", groupcall.ServerCallID("room")).Return(groupcall.CallID(4), true)
	sink.On("ReloadCall", mock.Anything, groupcall.CallID(4)).Return(groupcall.ErrInvalidCall).Once()
	require.NoError(t, receiver.HandleEvent(context.Background(), &livekit.WebhookEvent{
		Id:         "2",
		Event:      webhook.EventEgressEnded,
		EgressInfo: &livekit.EgressInfo{RoomName: "room"},
	}), "a call gone meanwhile is not a failure")

	sink.On("HandleCallUpdate", mock.MatchedBy(func(info groupcall.CallInfo) bool {
		return info.ServerID == "room" && info.IsActive
	})).Return(groupcall.CallID(0), failure).Once()
	rec := httptest.NewRecorder()
	receiver.ServeHTTP(rec, signedRequest(t, &livekit.WebhookEvent{
		Id:    "3",
		Event: webhook.EventRoomStarted,
		Room:  &livekit.Room{Name: "room"},
	}, testAPISecret))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	sink.AssertExpectations(t)
}

func TestWebhook_FailedDeliveryCanBeRetried(t *testing.T) {
	f := newFixture(t)
	sink := &mockSink{}
	receiver := lkcall.NewWebhookReceiver(f.transport, sink, auth.NewSimpleKeyProvider(testAPIKey, testAPISecret), nil)
	event := &livekit.WebhookEvent{
		Id:          "EV_retry",
		Event:       webhook.EventParticipantJoined,
		Room:        &livekit.Room{Name: "room"},
		Participant: &livekit.ParticipantInfo{Identity: "alice"},
	}

	failure := errors.New("engine unavailable")
	sink.On("HandleParticipantsDiff", groupcall.ServerCallID("room"), mock.Anything, int32(1)).Return(failure).Once()
	sink.On("HandleParticipantsDiff", groupcall.ServerCallID("room"), mock.Anything, int32(2)).Return(nil).Once()

	assert.ErrorIs(t, receiver.HandleEvent(context.Background(), event), failure)
	require.NoError(t, receiver.HandleEvent(context.Background(), event))
	// applied now, so a third delivery is a duplicate
	require.NoError(t, receiver.HandleEvent(context.Background(), event))

	sink.AssertNumberOfCalls(t, "HandleParticipantsDiff", 2)
	sink.AssertExpectations(t)
}
