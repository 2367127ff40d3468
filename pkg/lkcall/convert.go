package lkcall

import (
	"hash/crc32"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/livekit/protocol/livekit"
	"github.com/samber/lo"

	"github.com/am-sokolov/livekit-groupcall-go/pkg/groupcall"
)

const (
	// AudioSourceAttribute is the participant attribute carrying the audio
	// source chosen at join time.
	AudioSourceAttribute = "groupcall.audio_source"

	// InviteHashAttribute carries the invite link hash a participant joined with.
	InviteHashAttribute = "groupcall.invite_hash"
)

// roomMetadata is stored as JSON in the LiveKit room metadata.
type roomMetadata struct {
	Conversation        string `json:"conversation,omitempty"`
	Title               string `json:"title,omitempty"`
	MuteNewParticipants bool   `json:"mute_new_participants,omitempty"`
	RecordStartedAt     int64  `json:"record_started_at,omitempty"`
	RecordTitle         string `json:"record_title,omitempty"`

	// InviteHash and SpeakerHash are the hashes of the current invite links.
	InviteHash  string   `json:"invite_hash,omitempty"`
	SpeakerHash string   `json:"speaker_hash,omitempty"`
	Invited     []string `json:"invited,omitempty"`
}

// participantMetadata is stored as JSON in the LiveKit participant metadata.
type participantMetadata struct {
	MutedByAdmin  bool  `json:"muted_by_admin,omitempty"`
	CanSelfUnmute *bool `json:"can_self_unmute,omitempty"`
	Volume        int32 `json:"volume,omitempty"`
	HandRaisedAt  int64 `json:"hand_raised_at,omitempty"`
}

// validHash reports whether an invite hash belongs to a current link. Any
// hash is accepted until a link has been issued.
func (m roomMetadata) validHash(hash string) bool {
	if m.InviteHash == "" && m.SpeakerHash == "" {
		return true
	}
	return hash == m.InviteHash || hash == m.SpeakerHash
}

func decodeRoomMetadata(raw string) roomMetadata {
	var meta roomMetadata
	if raw != "" {
		_ = jsoniter.UnmarshalFromString(raw, &meta)
	}
	return meta
}

func decodeParticipantMetadata(raw string) participantMetadata {
	var meta participantMetadata
	if raw != "" {
		_ = jsoniter.UnmarshalFromString(raw, &meta)
	}
	return meta
}

func encodeMetadata(v interface{}) string {
	raw, _ := jsoniter.MarshalToString(v)
	return raw
}

// AudioSourceOf derives the audio source of a published track from its SID.
func AudioSourceOf(trackSID string) int32 {
	return int32(crc32.ChecksumIEEE([]byte(trackSID)))
}

func microphoneTrack(p *livekit.ParticipantInfo) *livekit.TrackInfo {
	track, ok := lo.Find(p.GetTracks(), func(t *livekit.TrackInfo) bool {
		return t.GetType() == livekit.TrackType_AUDIO && t.GetSource() != livekit.TrackSource_SCREEN_SHARE_AUDIO
	})
	if !ok {
		return nil
	}
	return track
}

// isHidden reports participants that are not part of the call, such as
// speaker observers and recorders.
func isHidden(p *livekit.ParticipantInfo) bool {
	return p.GetPermission().GetHidden() || p.GetKind() == livekit.ParticipantInfo_EGRESS
}

func audioSourceOf(p *livekit.ParticipantInfo) int32 {
	if raw, ok := p.GetAttributes()[AudioSourceAttribute]; ok {
		if source, err := strconv.ParseInt(raw, 10, 32); err == nil && source != 0 {
			return int32(source)
		}
	}
	if mic := microphoneTrack(p); mic != nil {
		return AudioSourceOf(mic.GetSid())
	}
	return 0
}

// ParticipantFromInfo converts a LiveKit participant into an engine record.
func ParticipantFromInfo(p *livekit.ParticipantInfo) groupcall.Participant {
	meta := decodeParticipantMetadata(p.GetMetadata())
	mic := microphoneTrack(p)

	result := groupcall.Participant{
		ID:             groupcall.ParticipantID(p.GetIdentity()),
		AudioSource:    audioSourceOf(p),
		IsMutedByAdmin: meta.MutedByAdmin,
		CanSelfUnmute:  !meta.MutedByAdmin,
		VolumeLevel:    meta.Volume,
		IsHandRaised:   meta.HandRaisedAt != 0,
		HandRaisedAt:   meta.HandRaisedAt,
		JoinedAt:       p.GetJoinedAt(),
		Left:           p.GetState() == livekit.ParticipantInfo_DISCONNECTED,
	}
	if meta.CanSelfUnmute != nil {
		result.CanSelfUnmute = *meta.CanSelfUnmute
	}
	// an admin mute also mutes the track, which is not the user's doing
	result.IsSelfMuted = (mic == nil || mic.GetMuted()) && !meta.MutedByAdmin
	return result
}

// CallInfoFromRoom converts a LiveKit room into engine call metadata.
func CallInfoFromRoom(room *livekit.Room, version int32) groupcall.CallInfo {
	meta := decodeRoomMetadata(room.GetMetadata())
	return groupcall.CallInfo{
		ServerID:                     groupcall.ServerCallID(room.GetName()),
		Conversation:                 meta.Conversation,
		Title:                        meta.Title,
		MuteNewParticipants:          meta.MuteNewParticipants,
		CanChangeMuteNewParticipants: true,
		RecordStartedAt:              meta.RecordStartedAt,
		ParticipantCount:             int32(room.GetNumParticipants()),
		Version:                      version,
		IsActive:                     true,
	}
}
