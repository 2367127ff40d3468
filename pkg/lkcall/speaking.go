package lkcall

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/am-sokolov/livekit-groupcall-go/pkg/groupcall"
)

// ObserverIdentityPrefix starts the identity of the hidden participants that
// listen for speaker updates.
const ObserverIdentityPrefix = "groupcall-observer-"

// SpeakingSink receives speech notifications.
type SpeakingSink interface {
	HandleSpeaking(server groupcall.ServerCallID, id groupcall.ParticipantID, date int64) error
}

var _ SpeakingSink = (*groupcall.Manager)(nil)

// RoomConnection is a live connection to a room.
type RoomConnection interface {
	Disconnect()
}

// RoomConnector joins a room with a signed token.
type RoomConnector func(url, token string, callback *lksdk.RoomCallback) (RoomConnection, error)

// ConnectToRoom joins a room through the LiveKit signal connection without
// subscribing to any track.
func ConnectToRoom(url, token string, callback *lksdk.RoomCallback) (RoomConnection, error) {
	room, err := lksdk.ConnectToRoomWithToken(url, token, callback, lksdk.WithAutoSubscribe(false))
	if err != nil {
		return nil, err
	}
	return room, nil
}

// ObserverOptions configures a SpeakingObserver.
type ObserverOptions struct {
	// Identity of the observer in every room. Default: ObserverIdentityPrefix + "monitor"
	Identity string

	// Connect defaults to ConnectToRoom.
	Connect RoomConnector

	Logger *zap.Logger
	Clock  clock.Clock
}

// SpeakingObserver joins calls as a hidden participant and forwards the
// active speakers reported by the server to a SpeakingSink. A participant
// that stops speaking is left to the sink's speaking timeout.
type SpeakingObserver struct {
	url       string
	transport *Transport
	sink      SpeakingSink
	opts      ObserverOptions
	logger    *zap.Logger

	mu      sync.Mutex
	rooms   map[groupcall.ServerCallID]RoomConnection
	pending map[groupcall.ServerCallID]bool
}

// NewSpeakingObserver creates an observer connecting to the server at url.
func NewSpeakingObserver(url string, transport *Transport, sink SpeakingSink, opts ObserverOptions) *SpeakingObserver {
	if opts.Identity == "" {
		opts.Identity = ObserverIdentityPrefix + "monitor"
	}
	if opts.Connect == nil {
		opts.Connect = ConnectToRoom
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &SpeakingObserver{
		url:       url,
		transport: transport,
		sink:      sink,
		opts:      opts,
		logger:    opts.Logger,
		rooms:     make(map[groupcall.ServerCallID]RoomConnection),
		pending:   make(map[groupcall.ServerCallID]bool),
	}
}

// Observe joins a room. Observing a room twice is a no-op.
func (o *SpeakingObserver) Observe(room groupcall.ServerCallID) error {
	o.mu.Lock()
	if o.rooms[room] != nil || o.pending[room] {
		o.mu.Unlock()
		return nil
	}
	o.pending[room] = true
	o.mu.Unlock()

	conn, err := o.connect(room)

	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pending, room)
	if err != nil {
		return err
	}
	o.rooms[room] = conn
	o.logger.Debug("Observing room", zap.String("room", string(room)))
	return nil
}

func (o *SpeakingObserver) connect(room groupcall.ServerCallID) (RoomConnection, error) {
	token, err := o.transport.ObserverToken(room, o.opts.Identity)
	if err != nil {
		return nil, err
	}
	conn, err := o.opts.Connect(o.url, token, o.callback(room))
	if err != nil {
		return nil, fmt.Errorf("observe room %q: %w", room, err)
	}
	return conn, nil
}

// Release leaves a room.
func (o *SpeakingObserver) Release(room groupcall.ServerCallID) {
	o.mu.Lock()
	conn := o.rooms[room]
	delete(o.rooms, room)
	o.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
}

// Sync observes every room of live and releases the others. It returns the
// first connection error; the remaining rooms are still tried.
func (o *SpeakingObserver) Sync(live []groupcall.ServerCallID) error {
	for _, room := range lo.Without(o.Rooms(), live...) {
		o.Release(room)
	}
	var first error
	for _, room := range live {
		if err := o.Observe(room); err != nil {
			o.logger.Warn("Failed to observe room", zap.String("room", string(room)), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Rooms returns the observed rooms in name order.
func (o *SpeakingObserver) Rooms() []groupcall.ServerCallID {
	o.mu.Lock()
	defer o.mu.Unlock()
	rooms := lo.Keys(o.rooms)
	slices.Sort(rooms)
	return rooms
}

// Close leaves every room.
func (o *SpeakingObserver) Close() {
	o.mu.Lock()
	conns := lo.Values(o.rooms)
	clear(o.rooms)
	o.mu.Unlock()

	for _, conn := range conns {
		conn.Disconnect()
	}
}

func (o *SpeakingObserver) callback(room groupcall.ServerCallID) *lksdk.RoomCallback {
	cb := lksdk.NewRoomCallback()
	cb.OnActiveSpeakersChanged = func(speakers []lksdk.Participant) {
		o.speakersChanged(room, lo.Map(speakers, func(p lksdk.Participant, _ int) string {
			return p.Identity()
		}))
	}
	cb.ParticipantCallback.OnIsSpeakingChanged = func(p lksdk.Participant) {
		o.speakingChanged(room, p.Identity(), p.IsSpeaking())
	}
	cb.OnDisconnected = func() {
		o.disconnected(room)
	}
	return cb
}

func (o *SpeakingObserver) speakersChanged(room groupcall.ServerCallID, identities []string) {
	now := o.opts.Clock.Now().Unix()
	for _, identity := range identities {
		if strings.HasPrefix(identity, ObserverIdentityPrefix) {
			continue
		}
		err := o.sink.HandleSpeaking(room, groupcall.ParticipantID(identity), now)
		switch {
		case err == nil:
		case errors.Is(err, groupcall.ErrInvalidCall):
			o.logger.Debug("Speaker update for untracked room", zap.String("room", string(room)))
			return
		default:
			o.logger.Warn("Failed to apply speaker update",
				zap.String("room", string(room)),
				zap.String("participant", identity),
				zap.Error(err),
			)
		}
	}
}

func (o *SpeakingObserver) speakingChanged(room groupcall.ServerCallID, identity string, speaking bool) {
	if !speaking {
		return
	}
	o.speakersChanged(room, []string{identity})
}

// disconnected forgets a room the server closed the connection to.
func (o *SpeakingObserver) disconnected(room groupcall.ServerCallID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.rooms, room)
	o.logger.Debug("Observer disconnected", zap.String("room", string(room)))
}
