package mocks

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/livekit/protocol/livekit"
	"github.com/twitchtv/twirp"
	"google.golang.org/protobuf/proto"
)

// RoomServiceCall records one request made to MockRoomService.
type RoomServiceCall struct {
	Method   string
	Room     string
	Identity string
}

// MockRoomService is an in-memory LiveKit room service. Missing rooms and
// participants are reported with twirp NotFound errors like the real server.
type MockRoomService struct {
	mu           sync.Mutex
	rooms        map[string]*livekit.Room
	participants map[string]map[string]*livekit.ParticipantInfo
	failures     map[string]error

	Calls []RoomServiceCall
}

func NewMockRoomService() *MockRoomService {
	return &MockRoomService{
		rooms:        make(map[string]*livekit.Room),
		participants: make(map[string]map[string]*livekit.ParticipantInfo),
		failures:     make(map[string]error),
	}
}

// AddRoom registers a room.
func (m *MockRoomService) AddRoom(name, metadata string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addRoomLocked(name, metadata)
}

func (m *MockRoomService) addRoomLocked(name, metadata string) *livekit.Room {
	room := &livekit.Room{Sid: "RM_" + name, Name: name, Metadata: metadata}
	m.rooms[name] = room
	m.participants[name] = make(map[string]*livekit.ParticipantInfo)
	return room
}

// AddParticipant puts a participant into an existing room.
func (m *MockRoomService) AddParticipant(room string, p *livekit.ParticipantInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants[room][p.GetIdentity()] = proto.Clone(p).(*livekit.ParticipantInfo)
	m.rooms[room].NumParticipants = m.countLocked(room)
}

// countLocked counts the visible participants of a room like the server does.
func (m *MockRoomService) countLocked(room string) uint32 {
	n := uint32(0)
	for _, p := range m.participants[room] {
		if !p.GetPermission().GetHidden() {
			n++
		}
	}
	return n
}

// Room returns a copy of a room, or nil.
func (m *MockRoomService) Room(name string) *livekit.Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[name]
	if !ok {
		return nil
	}
	return proto.Clone(room).(*livekit.Room)
}

// Participant returns a copy of a participant, or nil.
func (m *MockRoomService) Participant(room, identity string) *livekit.ParticipantInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[room][identity]
	if !ok {
		return nil
	}
	return proto.Clone(p).(*livekit.ParticipantInfo)
}

// FailNext makes the next call of method return err.
func (m *MockRoomService) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = err
}

// GetCalls returns the recorded calls of method, or every call if method is empty.
func (m *MockRoomService) GetCalls(method string) []RoomServiceCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var calls []RoomServiceCall
	for _, c := range m.Calls {
		if method == "" || c.Method == method {
			calls = append(calls, c)
		}
	}
	return calls
}

func (m *MockRoomService) begin(method, room, identity string) error {
	m.Calls = append(m.Calls, RoomServiceCall{Method: method, Room: room, Identity: identity})
	if err, ok := m.failures[method]; ok {
		delete(m.failures, method)
		return err
	}
	return nil
}

func (m *MockRoomService) lookup(room, identity string) (*livekit.ParticipantInfo, error) {
	members, ok := m.participants[room]
	if !ok {
		return nil, twirp.NotFoundError(fmt.Sprintf("room %s not found", room))
	}
	p, ok := members[identity]
	if !ok {
		return nil, twirp.NotFoundError(fmt.Sprintf("participant %s not found", identity))
	}
	return p, nil
}

func (m *MockRoomService) CreateRoom(ctx context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CreateRoom", req.GetName(), ""); err != nil {
		return nil, err
	}
	room, ok := m.rooms[req.GetName()]
	if !ok {
		room = m.addRoomLocked(req.GetName(), req.GetMetadata())
		room.EmptyTimeout = req.GetEmptyTimeout()
	}
	return proto.Clone(room).(*livekit.Room), nil
}

func (m *MockRoomService) ListRooms(ctx context.Context, req *livekit.ListRoomsRequest) (*livekit.ListRoomsResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("ListRooms", "", ""); err != nil {
		return nil, err
	}
	resp := &livekit.ListRoomsResponse{}
	for name, room := range m.rooms {
		if len(req.GetNames()) == 0 || slices.Contains(req.GetNames(), name) {
			resp.Rooms = append(resp.Rooms, proto.Clone(room).(*livekit.Room))
		}
	}
	return resp, nil
}

func (m *MockRoomService) DeleteRoom(ctx context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("DeleteRoom", req.GetRoom(), ""); err != nil {
		return nil, err
	}
	if _, ok := m.rooms[req.GetRoom()]; !ok {
		return nil, twirp.NotFoundError("room not found")
	}
	delete(m.rooms, req.GetRoom())
	delete(m.participants, req.GetRoom())
	return &livekit.DeleteRoomResponse{}, nil
}

func (m *MockRoomService) UpdateRoomMetadata(ctx context.Context, req *livekit.UpdateRoomMetadataRequest) (*livekit.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("UpdateRoomMetadata", req.GetRoom(), ""); err != nil {
		return nil, err
	}
	room, ok := m.rooms[req.GetRoom()]
	if !ok {
		return nil, twirp.NotFoundError("room not found")
	}
	room.Metadata = req.GetMetadata()
	return proto.Clone(room).(*livekit.Room), nil
}

func (m *MockRoomService) ListParticipants(ctx context.Context, req *livekit.ListParticipantsRequest) (*livekit.ListParticipantsResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("ListParticipants", req.GetRoom(), ""); err != nil {
		return nil, err
	}
	members, ok := m.participants[req.GetRoom()]
	if !ok {
		return nil, twirp.NotFoundError("room not found")
	}
	resp := &livekit.ListParticipantsResponse{}
	for _, p := range members {
		resp.Participants = append(resp.Participants, proto.Clone(p).(*livekit.ParticipantInfo))
	}
	return resp, nil
}

func (m *MockRoomService) GetParticipant(ctx context.Context, req *livekit.RoomParticipantIdentity) (*livekit.ParticipantInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("GetParticipant", req.GetRoom(), req.GetIdentity()); err != nil {
		return nil, err
	}
	p, err := m.lookup(req.GetRoom(), req.GetIdentity())
	if err != nil {
		return nil, err
	}
	return proto.Clone(p).(*livekit.ParticipantInfo), nil
}

func (m *MockRoomService) RemoveParticipant(ctx context.Context, req *livekit.RoomParticipantIdentity) (*livekit.RemoveParticipantResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("RemoveParticipant", req.GetRoom(), req.GetIdentity()); err != nil {
		return nil, err
	}
	if _, err := m.lookup(req.GetRoom(), req.GetIdentity()); err != nil {
		return nil, err
	}
	delete(m.participants[req.GetRoom()], req.GetIdentity())
	m.rooms[req.GetRoom()].NumParticipants = m.countLocked(req.GetRoom())
	return &livekit.RemoveParticipantResponse{}, nil
}

func (m *MockRoomService) MutePublishedTrack(ctx context.Context, req *livekit.MuteRoomTrackRequest) (*livekit.MuteRoomTrackResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("MutePublishedTrack", req.GetRoom(), req.GetIdentity()); err != nil {
		return nil, err
	}
	p, err := m.lookup(req.GetRoom(), req.GetIdentity())
	if err != nil {
		return nil, err
	}
	for _, track := range p.GetTracks() {
		if track.GetSid() == req.GetTrackSid() {
			track.Muted = req.GetMuted()
			return &livekit.MuteRoomTrackResponse{Track: proto.Clone(track).(*livekit.TrackInfo)}, nil
		}
	}
	return nil, twirp.NotFoundError("track not found")
}

func (m *MockRoomService) UpdateParticipant(ctx context.Context, req *livekit.UpdateParticipantRequest) (*livekit.ParticipantInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("UpdateParticipant", req.GetRoom(), req.GetIdentity()); err != nil {
		return nil, err
	}
	p, err := m.lookup(req.GetRoom(), req.GetIdentity())
	if err != nil {
		return nil, err
	}
	if req.GetMetadata() != "" {
		p.Metadata = req.GetMetadata()
	}
	return proto.Clone(p).(*livekit.ParticipantInfo), nil
}

// MockEgressService is an in-memory LiveKit egress service.
type MockEgressService struct {
	mu       sync.Mutex
	egresses map[string]*livekit.EgressInfo
	nextID   int

	Started []*livekit.RoomCompositeEgressRequest
}

func NewMockEgressService() *MockEgressService {
	return &MockEgressService{egresses: make(map[string]*livekit.EgressInfo)}
}

func (m *MockEgressService) StartRoomCompositeEgress(ctx context.Context, req *livekit.RoomCompositeEgressRequest) (*livekit.EgressInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	info := &livekit.EgressInfo{
		EgressId: fmt.Sprintf("EG_%d", m.nextID),
		RoomName: req.GetRoomName(),
		Status:   livekit.EgressStatus_EGRESS_ACTIVE,
	}
	m.egresses[info.EgressId] = info
	m.Started = append(m.Started, proto.Clone(req).(*livekit.RoomCompositeEgressRequest))
	return proto.Clone(info).(*livekit.EgressInfo), nil
}

func (m *MockEgressService) ListEgress(ctx context.Context, req *livekit.ListEgressRequest) (*livekit.ListEgressResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp := &livekit.ListEgressResponse{}
	for _, info := range m.egresses {
		if req.GetRoomName() != "" && info.GetRoomName() != req.GetRoomName() {
			continue
		}
		if req.GetActive() && info.GetStatus() != livekit.EgressStatus_EGRESS_ACTIVE {
			continue
		}
		resp.Items = append(resp.Items, proto.Clone(info).(*livekit.EgressInfo))
	}
	return resp, nil
}

func (m *MockEgressService) StopEgress(ctx context.Context, req *livekit.StopEgressRequest) (*livekit.EgressInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.egresses[req.GetEgressId()]
	if !ok {
		return nil, twirp.NotFoundError("egress not found")
	}
	info.Status = livekit.EgressStatus_EGRESS_COMPLETE
	return proto.Clone(info).(*livekit.EgressInfo), nil
}

// Active returns the ids of egresses that are still running.
func (m *MockEgressService) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, info := range m.egresses {
		if info.GetStatus() == livekit.EgressStatus_EGRESS_ACTIVE {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}
