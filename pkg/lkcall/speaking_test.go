package lkcall

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/am-sokolov/livekit-groupcall-go/internal/test/mocks"
	"github.com/am-sokolov/livekit-groupcall-go/pkg/groupcall"
)

const (
	observerKey    = "devkey"
	observerSecret = "a-very-long-development-secret-value"
)

type fakeConn struct {
	mu           sync.Mutex
	disconnected bool
}

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeConn) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// fakeConnector records the rooms joined by an observer.
type fakeConnector struct {
	mu        sync.Mutex
	tokens    []string
	callbacks map[string]*lksdk.RoomCallback
	conns     map[string]*fakeConn
	err       error
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		callbacks: make(map[string]*lksdk.RoomCallback),
		conns:     make(map[string]*fakeConn),
	}
}

func (f *fakeConnector) connect(url, token string, cb *lksdk.RoomCallback) (RoomConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	verifier, err := auth.ParseAPIToken(token)
	if err != nil {
		return nil, err
	}
	grants, err := verifier.Verify(observerSecret)
	if err != nil {
		return nil, err
	}
	room := grants.Video.Room
	f.tokens = append(f.tokens, token)
	f.callbacks[room] = cb
	f.conns[room] = &fakeConn{}
	return f.conns[room], nil
}

func newTestObserver(sink SpeakingSink) (*SpeakingObserver, *fakeConnector, *mocks.MockRoomService, *mocks.MockLogger) {
	rooms := mocks.NewMockRoomService()
	transport := NewTransport(rooms, nil, Options{APIKey: observerKey, APISecret: observerSecret})
	connector := newFakeConnector()
	logger := mocks.NewMockLogger()
	observer := NewSpeakingObserver("ws://localhost:7880", transport, sink, ObserverOptions{
		Connect: connector.connect,
		Logger:  logger.Logger,
	})
	return observer, connector, rooms, logger
}

func TestSpeakingObserver_ObserveAndRelease(t *testing.T) {
	observer, connector, _, _ := newTestObserver(nil)

	require.NoError(t, observer.Observe("room-a"))
	require.NoError(t, observer.Observe("room-a"))
	require.Len(t, connector.tokens, 1)

	verifier, err := auth.ParseAPIToken(connector.tokens[0])
	require.NoError(t, err)
	grants, err := verifier.Verify(observerSecret)
	require.NoError(t, err)
	assert.Equal(t, ObserverIdentityPrefix+"monitor", grants.Identity)
	assert.True(t, grants.Video.RoomJoin)
	assert.True(t, grants.Video.Hidden)
	assert.Equal(t, "room-a", grants.Video.Room)
	assert.False(t, grants.Video.GetCanPublish())
	assert.False(t, grants.Video.GetCanSubscribe())

	require.NoError(t, observer.Sync([]groupcall.ServerCallID{"room-b", "room-c"}))
	assert.Equal(t, []groupcall.ServerCallID{"room-b", "room-c"}, observer.Rooms())
	assert.True(t, connector.conns["room-a"].isDisconnected())

	observer.Release("room-b")
	assert.True(t, connector.conns["room-b"].isDisconnected())
	assert.Equal(t, []groupcall.ServerCallID{"room-c"}, observer.Rooms())

	observer.Close()
	assert.True(t, connector.conns["room-c"].isDisconnected())
	assert.Empty(t, observer.Rooms())
}

func TestSpeakingObserver_ConnectFailure(t *testing.T) {
	observer, connector, _, logger := newTestObserver(nil)
	connector.err = errors.New("signal connection refused")

	err := observer.Observe("room-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "room-a")
	assert.Empty(t, observer.Rooms())

	require.Error(t, observer.Sync([]groupcall.ServerCallID{"room-b"}))
	assert.True(t, logger.HasMessage(zapcore.WarnLevel, "Failed to observe room"))

	// a failed room is tried again on the next sync
	connector.err = nil
	require.NoError(t, observer.Sync([]groupcall.ServerCallID{"room-b"}))
	assert.Equal(t, []groupcall.ServerCallID{"room-b"}, observer.Rooms())
}

func TestSpeakingObserver_ServerDisconnect(t *testing.T) {
	observer, connector, _, _ := newTestObserver(nil)
	require.NoError(t, observer.Observe("room-a"))

	cb := connector.callbacks["room-a"]
	require.NotNil(t, cb)
	cb.OnDisconnected()
	assert.Empty(t, observer.Rooms())

	// the room can be joined again
	require.NoError(t, observer.Observe("room-a"))
	assert.Len(t, connector.tokens, 2)
}

func TestSpeakingObserver_FeedsManager(t *testing.T) {
	rooms := mocks.NewMockRoomService()
	transport := NewTransport(rooms, nil, Options{APIKey: observerKey, APISecret: observerSecret})
	manager := groupcall.NewManager(transport, groupcall.ManagerOptions{ResyncInterval: -1})
	defer manager.Stop()
	logger := mocks.NewMockLogger()
	connector := newFakeConnector()
	observer := NewSpeakingObserver("ws://localhost:7880", transport, manager, ObserverOptions{
		Connect: connector.connect,
		Logger:  logger.Logger,
	})
	require.NoError(t, observer.Observe("room"))

	rooms.AddRoom("room", `{"title":"standup"}`)
	rooms.AddParticipant("room", &livekit.ParticipantInfo{Identity: "alice"})
	rooms.AddParticipant("room", &livekit.ParticipantInfo{Identity: "bob"})
	rooms.AddParticipant("room", &livekit.ParticipantInfo{
		Identity:   ObserverIdentityPrefix + "monitor",
		Permission: &livekit.ParticipantPermission{Hidden: true},
	})

	id, err := manager.HandleCallUpdate(CallInfoFromRoom(rooms.Room("room"), 0))
	require.NoError(t, err)
	require.NoError(t, manager.Subscribe(id))
	require.Eventually(t, func() bool {
		views, err := manager.Participants(id)
		return err == nil && len(views) == 2
	}, 2*time.Second, 5*time.Millisecond)

	// the server reports speakers through the room callback
	cb := connector.callbacks["room"]
	require.NotNil(t, cb)
	require.NotNil(t, cb.OnActiveSpeakersChanged)
	require.NotNil(t, cb.ParticipantCallback.OnIsSpeakingChanged)
	observer.speakersChanged("room", []string{"bob", ObserverIdentityPrefix + "monitor"})
	observer.speakingChanged("room", "alice", false)

	speakers, err := manager.RecentSpeakers(id)
	require.NoError(t, err)
	require.Len(t, speakers, 1)
	assert.Equal(t, groupcall.ParticipantID("bob"), speakers[0].ID)
	assert.True(t, speakers[0].IsSpeaking)

	views, err := manager.Participants(id)
	require.NoError(t, err)
	speaking := map[groupcall.ParticipantID]bool{}
	for _, v := range views {
		speaking[v.ID] = v.IsSpeaking
	}
	assert.Equal(t, map[groupcall.ParticipantID]bool{"alice": false, "bob": true}, speaking)

	observer.speakingChanged("room", "alice", true)
	speakers, err = manager.RecentSpeakers(id)
	require.NoError(t, err)
	assert.Len(t, speakers, 2)

	observer.speakersChanged("gone", []string{"alice"})
	assert.True(t, logger.HasMessage(zapcore.DebugLevel, "Speaker update for untracked room"))
}
