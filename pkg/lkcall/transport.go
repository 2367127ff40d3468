// Package lkcall connects the group-call engine to a LiveKit server.
//
// Calls map to LiveKit rooms: the room name is the server call identifier,
// call settings live in the room metadata and per-participant moderation
// state lives in the participant metadata. LiveKit has no participant-list
// versions, so the transport numbers the changes it observes per room and
// hands the same counter to the webhook receiver.
package lkcall

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/am-sokolov/livekit-groupcall-go/pkg/groupcall"
)

// RoomService is the part of the LiveKit room service the transport uses.
type RoomService interface {
	CreateRoom(ctx context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error)
	ListRooms(ctx context.Context, req *livekit.ListRoomsRequest) (*livekit.ListRoomsResponse, error)
	DeleteRoom(ctx context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error)
	UpdateRoomMetadata(ctx context.Context, req *livekit.UpdateRoomMetadataRequest) (*livekit.Room, error)
	ListParticipants(ctx context.Context, req *livekit.ListParticipantsRequest) (*livekit.ListParticipantsResponse, error)
	GetParticipant(ctx context.Context, req *livekit.RoomParticipantIdentity) (*livekit.ParticipantInfo, error)
	RemoveParticipant(ctx context.Context, req *livekit.RoomParticipantIdentity) (*livekit.RemoveParticipantResponse, error)
	MutePublishedTrack(ctx context.Context, req *livekit.MuteRoomTrackRequest) (*livekit.MuteRoomTrackResponse, error)
	UpdateParticipant(ctx context.Context, req *livekit.UpdateParticipantRequest) (*livekit.ParticipantInfo, error)
}

// EgressService is the part of the LiveKit egress service used for recording.
type EgressService interface {
	StartRoomCompositeEgress(ctx context.Context, req *livekit.RoomCompositeEgressRequest) (*livekit.EgressInfo, error)
	ListEgress(ctx context.Context, req *livekit.ListEgressRequest) (*livekit.ListEgressResponse, error)
	StopEgress(ctx context.Context, req *livekit.StopEgressRequest) (*livekit.EgressInfo, error)
}

var (
	_ RoomService         = (*lksdk.RoomServiceClient)(nil)
	_ EgressService       = (*lksdk.EgressClient)(nil)
	_ groupcall.Transport = (*Transport)(nil)
)

// Options configures a Transport.
type Options struct {
	// APIKey and APISecret sign join tokens.
	APIKey    string
	APISecret string

	// RoomPrefix is prepended to generated room names. Default: "call-"
	RoomPrefix string

	// EmptyTimeout closes rooms nobody joined. Default: 5m
	EmptyTimeout time.Duration

	// TokenTTL is the validity of join tokens. Default: 1h
	TokenTTL time.Duration

	// InviteBaseURL prefixes invite links: "<base>/<room>?invite=<hash>".
	// Default: "livekit://join"
	InviteBaseURL string

	// RecordingPath builds the egress file path of a recording.
	// Default: "<room>/<unix time>.ogg"
	RecordingPath func(room, title string, startedAt time.Time) string

	Logger *zap.Logger
	Clock  clock.Clock
}

func (o *Options) setDefaults() {
	if o.RoomPrefix == "" {
		o.RoomPrefix = "call-"
	}
	if o.EmptyTimeout <= 0 {
		o.EmptyTimeout = 5 * time.Minute
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = time.Hour
	}
	if o.InviteBaseURL == "" {
		o.InviteBaseURL = "livekit://join"
	}
	if o.RecordingPath == nil {
		o.RecordingPath = func(room, _ string, startedAt time.Time) string {
			return fmt.Sprintf("%s/%d.ogg", room, startedAt.Unix())
		}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// snapshot is a participant list read once and served page by page.
type snapshot struct {
	room         string
	version      int32
	participants []*livekit.ParticipantInfo
}

// Transport implements groupcall.Transport on the LiveKit server APIs.
type Transport struct {
	rooms  RoomService
	egress EgressService
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	versions  map[string]int32
	snapshots map[string]*snapshot
}

// NewTransport creates a transport. egress may be nil, in which case
// recording requests are denied.
func NewTransport(rooms RoomService, egress EgressService, opts Options) *Transport {
	opts.setDefaults()
	return &Transport{
		rooms:     rooms,
		egress:    egress,
		opts:      opts,
		logger:    opts.Logger,
		versions:  make(map[string]int32),
		snapshots: make(map[string]*snapshot),
	}
}

// Version returns the participant-list version last assigned to a room.
func (t *Transport) Version(room groupcall.ServerCallID) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.versions[string(room)]
}

// bump numbers an observed participant change.
func (t *Transport) bump(room string) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.versions[room]++
	return t.versions[room]
}

// forget drops the bookkeeping of a finished room.
func (t *Transport) forget(room string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.versions, room)
	for key, snap := range t.snapshots {
		if snap.room == room {
			delete(t.snapshots, key)
		}
	}
}

// CreateCall creates a LiveKit room for a conversation.
func (t *Transport) CreateCall(ctx context.Context, conversation, title string) (*groupcall.CallInfo, error) {
	name := t.opts.RoomPrefix + uuid.NewString()
	room, err := t.rooms.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:         name,
		EmptyTimeout: uint32(t.opts.EmptyTimeout / time.Second),
		Metadata:     encodeMetadata(roomMetadata{Conversation: conversation, Title: title}),
	})
	if err != nil {
		return nil, mapError(err, groupcall.ErrCallNotFound)
	}

	t.logger.Info("Created LiveKit room for group call",
		zap.String("room", room.GetName()),
		zap.String("conversation", conversation),
	)
	info := CallInfoFromRoom(room, t.Version(groupcall.ServerCallID(room.GetName())))
	return &info, nil
}

func (t *Transport) room(ctx context.Context, name groupcall.ServerCallID) (*livekit.Room, error) {
	resp, err := t.rooms.ListRooms(ctx, &livekit.ListRoomsRequest{Names: []string{string(name)}})
	if err != nil {
		return nil, mapError(err, groupcall.ErrCallNotFound)
	}
	room, ok := lo.Find(resp.GetRooms(), func(r *livekit.Room) bool {
		return r.GetName() == string(name)
	})
	if !ok {
		return nil, fmt.Errorf("room %q: %w", name, groupcall.ErrCallNotFound)
	}
	return room, nil
}

// ListCalls returns the rooms created with the transport's room prefix.
func (t *Transport) ListCalls(ctx context.Context) ([]groupcall.CallInfo, error) {
	resp, err := t.rooms.ListRooms(ctx, &livekit.ListRoomsRequest{})
	if err != nil {
		return nil, mapError(err, groupcall.ErrCallNotFound)
	}
	rooms := lo.Filter(resp.GetRooms(), func(r *livekit.Room, _ int) bool {
		return strings.HasPrefix(r.GetName(), t.opts.RoomPrefix)
	})
	return lo.Map(rooms, func(r *livekit.Room, _ int) groupcall.CallInfo {
		return CallInfoFromRoom(r, t.Version(groupcall.ServerCallID(r.GetName())))
	}), nil
}

// Forget drops the bookkeeping of a room that is gone.
func (t *Transport) Forget(room groupcall.ServerCallID) {
	t.forget(string(room))
}

// FetchCall reads the room backing a call.
func (t *Transport) FetchCall(ctx context.Context, call groupcall.ServerCallID) (*groupcall.CallInfo, error) {
	room, err := t.room(ctx, call)
	if err != nil {
		return nil, err
	}
	info := CallInfoFromRoom(room, t.Version(call))
	return &info, nil
}

// FetchParticipants lists the room participants. The first page reads the
// whole list once; later pages are served from that snapshot so every page
// reflects the same version.
func (t *Transport) FetchParticipants(ctx context.Context, call groupcall.ServerCallID, cursor string, limit int, gen groupcall.Generation) (*groupcall.ParticipantPage, error) {
	if limit <= 0 {
		limit = 100
	}

	snap, offset, err := t.snapshotFor(ctx, call, cursor)
	if err != nil {
		return nil, err
	}

	end := min(offset+limit, len(snap.participants))
	page := &groupcall.ParticipantPage{
		Participants: make([]groupcall.Participant, 0, end-offset),
		Version:      snap.version,
		TotalCount:   int32(len(snap.participants)),
	}
	for _, info := range snap.participants[offset:end] {
		page.Participants = append(page.Participants, ParticipantFromInfo(info))
	}

	key, _, _ := strings.Cut(cursor, ":")
	if end < len(snap.participants) {
		if key == "" {
			key = t.storeSnapshot(snap)
		}
		page.NextCursor = key + ":" + strconv.Itoa(end)
	} else if key != "" {
		t.mu.Lock()
		delete(t.snapshots, key)
		t.mu.Unlock()
	}

	t.logger.Debug("Fetched participant page",
		zap.String("room", string(call)),
		zap.Int("offset", offset),
		zap.Int("count", len(page.Participants)),
		zap.Int32("version", page.Version),
		zap.Uint64("generation", uint64(gen)),
	)
	return page, nil
}

func (t *Transport) snapshotFor(ctx context.Context, call groupcall.ServerCallID, cursor string) (*snapshot, int, error) {
	if cursor != "" {
		key, rawOffset, _ := strings.Cut(cursor, ":")
		offset, err := strconv.Atoi(rawOffset)
		if err != nil || offset < 0 {
			return nil, 0, fmt.Errorf("cursor %q: %w", cursor, groupcall.ErrInvalidArgument)
		}
		t.mu.Lock()
		snap, ok := t.snapshots[key]
		t.mu.Unlock()
		if !ok || snap.room != string(call) || offset > len(snap.participants) {
			return nil, 0, fmt.Errorf("cursor %q expired: %w", cursor, groupcall.ErrInvalidArgument)
		}
		return snap, offset, nil
	}

	// read the version first so changes racing with the listing are replayed
	version := t.Version(call)
	resp, err := t.rooms.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: string(call)})
	if err != nil {
		return nil, 0, mapError(err, groupcall.ErrCallNotFound)
	}
	infos := lo.FilterMap(resp.GetParticipants(), func(p *livekit.ParticipantInfo, _ int) (*livekit.ParticipantInfo, bool) {
		if p.GetState() == livekit.ParticipantInfo_DISCONNECTED || isHidden(p) {
			return nil, false
		}
		return proto.Clone(p).(*livekit.ParticipantInfo), true
	})
	slices.SortFunc(infos, func(a, b *livekit.ParticipantInfo) int {
		return strings.Compare(a.GetIdentity(), b.GetIdentity())
	})
	return &snapshot{room: string(call), version: version, participants: infos}, 0, nil
}

func (t *Transport) storeSnapshot(snap *snapshot) string {
	key := uuid.NewString()
	t.mu.Lock()
	defer t.mu.Unlock()
	// only the latest listing of a room is kept
	for k, s := range t.snapshots {
		if s.room == snap.room {
			delete(t.snapshots, k)
		}
	}
	t.snapshots[key] = snap
	return key
}

// DiscardCall deletes the room, disconnecting everyone.
func (t *Transport) DiscardCall(ctx context.Context, call groupcall.ServerCallID) error {
	if _, err := t.rooms.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: string(call)}); err != nil {
		return mapError(err, groupcall.ErrCallNotFound)
	}
	t.forget(string(call))
	return nil
}

// Join issues a LiveKit access token for the room. The token is the join
// payload; the media connection itself is made by the client.
func (t *Transport) Join(ctx context.Context, req groupcall.JoinRequest) (*groupcall.JoinResponse, error) {
	room, err := t.room(ctx, req.Call)
	if err != nil {
		return nil, err
	}
	roomMeta := decodeRoomMetadata(room.GetMetadata())

	hash := req.Params.InviteHash
	if hash != "" && !roomMeta.validHash(hash) {
		return nil, fmt.Errorf("invite link of room %q: %w", room.GetName(), groupcall.ErrAccessDenied)
	}
	meta := participantMetadata{}
	if roomMeta.MuteNewParticipants && (hash == "" || hash != roomMeta.SpeakerHash) {
		meta.MutedByAdmin = true
		meta.CanSelfUnmute = lo.ToPtr(false)
	}
	if slices.Contains(roomMeta.Invited, string(req.Params.As)) {
		err := t.updateRoom(ctx, req.Call, func(m *roomMetadata) {
			m.Invited = lo.Without(m.Invited, string(req.Params.As))
		})
		if err != nil {
			t.logger.Warn("Failed to clear invitation", zap.String("room", room.GetName()), zap.Error(err))
		}
	}

	grant := &auth.VideoGrant{
		Room:           room.GetName(),
		RoomJoin:       true,
		CanPublish:     lo.ToPtr(true),
		CanSubscribe:   lo.ToPtr(true),
		CanPublishData: lo.ToPtr(true),
	}
	attributes := map[string]string{
		AudioSourceAttribute: strconv.FormatInt(int64(req.Params.AudioSource), 10),
	}
	if req.Params.InviteHash != "" {
		attributes[InviteHashAttribute] = req.Params.InviteHash
	}
	token := auth.NewAccessToken(t.opts.APIKey, t.opts.APISecret)
	token.AddGrant(grant).
		SetIdentity(string(req.Params.As)).
		SetMetadata(encodeMetadata(meta)).
		SetAttributes(attributes).
		SetValidFor(t.opts.TokenTTL)
	jwt, err := token.ToJWT()
	if err != nil {
		return nil, fmt.Errorf("sign join token: %w", err)
	}

	t.logger.Info("Issued group call join token",
		zap.String("room", room.GetName()),
		zap.String("identity", string(req.Params.As)),
		zap.Int32("audioSource", req.Params.AudioSource),
		zap.Uint64("generation", uint64(req.Generation)),
	)
	return &groupcall.JoinResponse{
		Payload: []byte(jwt),
		Version: t.Version(req.Call),
	}, nil
}

// maxInvited bounds the pending invitations kept in the room metadata.
const maxInvited = 100

// GetInviteLink returns the listener or speaker invite link of a room,
// creating the link hash on first use.
func (t *Transport) GetInviteLink(ctx context.Context, call groupcall.ServerCallID, canSelfUnmute bool) (string, error) {
	room, err := t.room(ctx, call)
	if err != nil {
		return "", err
	}
	meta := decodeRoomMetadata(room.GetMetadata())
	hash := meta.InviteHash
	if canSelfUnmute {
		hash = meta.SpeakerHash
	}
	if hash == "" {
		hash = newInviteHash()
		err := t.updateRoom(ctx, call, func(m *roomMetadata) {
			if canSelfUnmute {
				m.SpeakerHash = hash
			} else {
				m.InviteHash = hash
			}
		})
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%s/%s?invite=%s", t.opts.InviteBaseURL, url.PathEscape(string(call)), hash), nil
}

// RevokeInviteLink replaces the link hashes, so joins through older links
// are denied.
func (t *Transport) RevokeInviteLink(ctx context.Context, call groupcall.ServerCallID) error {
	return t.updateRoom(ctx, call, func(meta *roomMetadata) {
		meta.InviteHash = newInviteHash()
		meta.SpeakerHash = newInviteHash()
	})
}

// InviteParticipants records pending invitations in the room metadata,
// where clients pick them up. An invitation is cleared when the user joins.
func (t *Transport) InviteParticipants(ctx context.Context, call groupcall.ServerCallID, users []groupcall.ParticipantID) error {
	err := t.updateRoom(ctx, call, func(meta *roomMetadata) {
		invited := append(meta.Invited, lo.Map(users, func(u groupcall.ParticipantID, _ int) string {
			return string(u)
		})...)
		invited = lo.Uniq(invited)
		if len(invited) > maxInvited {
			invited = invited[len(invited)-maxInvited:]
		}
		meta.Invited = invited
	})
	if err != nil {
		return err
	}
	t.logger.Info("Invited users to group call", zap.String("room", string(call)), zap.Int("users", len(users)))
	return nil
}

func newInviteHash() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ObserverToken signs a token for a hidden participant that only listens to
// room events. It can neither publish nor subscribe.
func (t *Transport) ObserverToken(room groupcall.ServerCallID, identity string) (string, error) {
	grant := &auth.VideoGrant{
		Room:           string(room),
		RoomJoin:       true,
		Hidden:         true,
		CanPublish:     lo.ToPtr(false),
		CanSubscribe:   lo.ToPtr(false),
		CanPublishData: lo.ToPtr(false),
	}
	token := auth.NewAccessToken(t.opts.APIKey, t.opts.APISecret)
	token.AddGrant(grant).
		SetIdentity(identity).
		SetValidFor(t.opts.TokenTTL)
	jwt, err := token.ToJWT()
	if err != nil {
		return "", fmt.Errorf("sign observer token: %w", err)
	}
	return jwt, nil
}

// Leave disconnects the participant. A participant already gone is not an error.
func (t *Transport) Leave(ctx context.Context, call groupcall.ServerCallID, as groupcall.ParticipantID, audioSource int32, gen groupcall.Generation) error {
	_, err := t.rooms.RemoveParticipant(ctx, &livekit.RoomParticipantIdentity{
		Room:     string(call),
		Identity: string(as),
	})
	err = mapError(err, groupcall.ErrNotJoined)
	if err != nil && !errors.Is(err, groupcall.ErrNotJoined) {
		return err
	}
	return nil
}

// CheckJoined verifies that the participant is connected with the audio
// source it joined with.
func (t *Transport) CheckJoined(ctx context.Context, call groupcall.ServerCallID, as groupcall.ParticipantID, audioSource int32) error {
	info, err := t.rooms.GetParticipant(ctx, &livekit.RoomParticipantIdentity{
		Room:     string(call),
		Identity: string(as),
	})
	if err != nil {
		return mapError(err, groupcall.ErrNotJoined)
	}
	if info.GetState() == livekit.ParticipantInfo_DISCONNECTED {
		return fmt.Errorf("participant %q disconnected: %w", as, groupcall.ErrNotJoined)
	}
	if raw, ok := info.GetAttributes()[AudioSourceAttribute]; ok && raw != strconv.FormatInt(int64(audioSource), 10) {
		return fmt.Errorf("participant %q joined from another session: %w", as, groupcall.ErrNotJoined)
	}
	return nil
}

func (t *Transport) updateParticipant(ctx context.Context, call groupcall.ServerCallID, id groupcall.ParticipantID, update func(*livekit.ParticipantInfo, *participantMetadata) error) (*groupcall.Participant, error) {
	identity := &livekit.RoomParticipantIdentity{Room: string(call), Identity: string(id)}
	info, err := t.rooms.GetParticipant(ctx, identity)
	if err != nil {
		return nil, mapError(err, groupcall.ErrParticipantNotFound)
	}

	meta := decodeParticipantMetadata(info.GetMetadata())
	if err := update(info, &meta); err != nil {
		return nil, err
	}
	updated, err := t.rooms.UpdateParticipant(ctx, &livekit.UpdateParticipantRequest{
		Room:     string(call),
		Identity: string(id),
		Metadata: encodeMetadata(meta),
	})
	if err != nil {
		return nil, mapError(err, groupcall.ErrParticipantNotFound)
	}
	p := ParticipantFromInfo(updated)
	return &p, nil
}

// SetParticipantMuted stores the moderation state and mutes the microphone
// track when the participant must not be heard.
func (t *Transport) SetParticipantMuted(ctx context.Context, call groupcall.ServerCallID, id groupcall.ParticipantID, state groupcall.MuteState, gen groupcall.Generation) (*groupcall.Participant, error) {
	return t.updateParticipant(ctx, call, id, func(info *livekit.ParticipantInfo, meta *participantMetadata) error {
		meta.MutedByAdmin = state.MutedByAdmin
		meta.CanSelfUnmute = lo.ToPtr(state.CanSelfUnmute)

		mic := microphoneTrack(info)
		muted := state.MutedByAdmin || state.SelfMuted
		if mic == nil || mic.GetMuted() == muted {
			return nil
		}
		_, err := t.rooms.MutePublishedTrack(ctx, &livekit.MuteRoomTrackRequest{
			Room:     string(call),
			Identity: string(id),
			TrackSid: mic.GetSid(),
			Muted:    muted,
		})
		return mapError(err, groupcall.ErrParticipantNotFound)
	})
}

// SetParticipantVolume stores the participant's volume level.
func (t *Transport) SetParticipantVolume(ctx context.Context, call groupcall.ServerCallID, id groupcall.ParticipantID, level int32, gen groupcall.Generation) (*groupcall.Participant, error) {
	return t.updateParticipant(ctx, call, id, func(_ *livekit.ParticipantInfo, meta *participantMetadata) error {
		meta.Volume = level
		return nil
	})
}

// SetParticipantHandRaised raises or lowers the participant's hand.
func (t *Transport) SetParticipantHandRaised(ctx context.Context, call groupcall.ServerCallID, id groupcall.ParticipantID, raised bool, gen groupcall.Generation) (*groupcall.Participant, error) {
	return t.updateParticipant(ctx, call, id, func(_ *livekit.ParticipantInfo, meta *participantMetadata) error {
		switch {
		case !raised:
			meta.HandRaisedAt = 0
		case meta.HandRaisedAt == 0:
			meta.HandRaisedAt = t.opts.Clock.Now().Unix()
		}
		return nil
	})
}

func (t *Transport) updateRoom(ctx context.Context, call groupcall.ServerCallID, update func(*roomMetadata)) error {
	room, err := t.room(ctx, call)
	if err != nil {
		return err
	}
	meta := decodeRoomMetadata(room.GetMetadata())
	update(&meta)
	_, err = t.rooms.UpdateRoomMetadata(ctx, &livekit.UpdateRoomMetadataRequest{
		Room:     string(call),
		Metadata: encodeMetadata(meta),
	})
	return mapError(err, groupcall.ErrCallNotFound)
}

// ToggleRecording starts an audio-only room composite egress or stops the
// active ones.
func (t *Transport) ToggleRecording(ctx context.Context, call groupcall.ServerCallID, enabled bool, title string, gen groupcall.Generation) error {
	if t.egress == nil {
		return fmt.Errorf("recording is not configured: %w", groupcall.ErrAccessDenied)
	}

	if !enabled {
		resp, err := t.egress.ListEgress(ctx, &livekit.ListEgressRequest{RoomName: string(call), Active: true})
		if err != nil {
			return mapError(err, groupcall.ErrCallNotFound)
		}
		for _, info := range resp.GetItems() {
			if _, err := t.egress.StopEgress(ctx, &livekit.StopEgressRequest{EgressId: info.GetEgressId()}); err != nil {
				return mapError(err, groupcall.ErrCallNotFound)
			}
		}
		return t.updateRoom(ctx, call, func(meta *roomMetadata) {
			meta.RecordStartedAt = 0
			meta.RecordTitle = ""
		})
	}

	startedAt := t.opts.Clock.Now()
	info, err := t.egress.StartRoomCompositeEgress(ctx, &livekit.RoomCompositeEgressRequest{
		RoomName:  string(call),
		AudioOnly: true,
		FileOutputs: []*livekit.EncodedFileOutput{{
			FileType: livekit.EncodedFileType_OGG,
			Filepath: t.opts.RecordingPath(string(call), title, startedAt),
		}},
	})
	if err != nil {
		return mapError(err, groupcall.ErrCallNotFound)
	}
	t.logger.Info("Started group call recording",
		zap.String("room", string(call)),
		zap.String("egressID", info.GetEgressId()),
		zap.Uint64("generation", uint64(gen)),
	)
	return t.updateRoom(ctx, call, func(meta *roomMetadata) {
		meta.RecordStartedAt = startedAt.Unix()
		meta.RecordTitle = title
	})
}

// SetTitle stores the call title.
func (t *Transport) SetTitle(ctx context.Context, call groupcall.ServerCallID, title string, gen groupcall.Generation) error {
	return t.updateRoom(ctx, call, func(meta *roomMetadata) {
		meta.Title = title
	})
}

// ToggleMuteNewParticipants sets whether later joiners start muted.
func (t *Transport) ToggleMuteNewParticipants(ctx context.Context, call groupcall.ServerCallID, mute bool, gen groupcall.Generation) error {
	return t.updateRoom(ctx, call, func(meta *roomMetadata) {
		meta.MuteNewParticipants = mute
	})
}
