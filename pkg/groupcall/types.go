// Package groupcall keeps an eventually-consistent, ordered view of the
// participants of live group calls and of the calls' aggregate metadata.
//
// The package reconciles two sources of truth that race against each other:
//   - Server pushes: call metadata objects, versioned participant diffs and
//     speaking notifications delivered by the RPC layer
//   - Local requests: join, leave, mute, volume, hand-raise, recording and
//     title changes issued by the user, echoed locally before the server
//     confirms them
//
// Key features:
//   - Versioned diff application with gap detection and full resynchronization
//   - Generation counters that silently discard superseded request completions
//   - Deterministic participant ordering (speakers, raised hands, identity)
//   - Recent-speaker tracking with a one hour retention window
//   - Deduplicated change notifications keyed by a locally-issued call handle
//
// All state is held in memory and rebuilt from the server on subscription.
package groupcall

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CallID is a locally-issued sequential handle standing in for a server call identifier.
type CallID int32

// ServerCallID identifies a call on the server side.
type ServerCallID string

// ParticipantID is the conversation identity (a user or a channel acting as
// sender) a participant takes part in a call with.
type ParticipantID string

// Generation is a per-operation counter value used to discard stale completions.
type Generation uint64

const (
	// MaxTitleLength is the server side limit for call titles, in code points.
	MaxTitleLength = 64

	// MinVolumeLevel and MaxVolumeLevel bound participant volume levels.
	// DefaultVolumeLevel corresponds to 100%.
	MinVolumeLevel     int32 = 1
	MaxVolumeLevel     int32 = 20000
	DefaultVolumeLevel int32 = 10000
)

// Participant is a participant record as delivered by the server or as
// returned in diffs. Zero AudioSource, VolumeLevel and JoinedAt values mean
// "unknown" and never overwrite known values during a merge.
type Participant struct {
	ID             ParticipantID
	AudioSource    int32
	IsSelfMuted    bool
	IsMutedByAdmin bool
	CanSelfUnmute  bool
	VolumeLevel    int32
	IsHandRaised   bool
	HandRaisedAt   int64
	IsSpeaking     bool
	LastSpokeAt    int64
	JoinedAt       int64
	IsSelf         bool

	// Left marks a diff entry that removes the participant.
	Left bool
}

// IsMuted reports whether the participant's audio is muted for any reason.
func (p Participant) IsMuted() bool {
	return p.IsSelfMuted || p.IsMutedByAdmin
}

// MuteState is the desired mute state sent with a toggle-mute request.
type MuteState struct {
	SelfMuted     bool
	MutedByAdmin  bool
	CanSelfUnmute bool
}

func muteStateOf(p Participant) MuteState {
	return MuteState{
		SelfMuted:     p.IsSelfMuted,
		MutedByAdmin:  p.IsMutedByAdmin,
		CanSelfUnmute: p.CanSelfUnmute,
	}
}

// ParticipantView is the effective, client-visible state of a participant:
// server values with pending local mutations applied, plus its sort key.
type ParticipantView struct {
	Participant
	Order OrderKey
}

// CallInfo is the call metadata object pushed or returned by the server.
type CallInfo struct {
	ServerID                     ServerCallID
	Conversation                 string
	Title                        string
	MuteNewParticipants          bool
	CanChangeMuteNewParticipants bool
	RecordStartedAt              int64
	ParticipantCount             int32
	Version                      int32
	IsActive                     bool
}

// RecentSpeaker is one entry of the recent-speaker snapshot.
type RecentSpeaker struct {
	ID          ParticipantID
	LastSpokeAt int64
	IsSpeaking  bool
}

// CallView is the client-visible state of a call, used for notifications.
type CallView struct {
	ID                           CallID
	Conversation                 string
	Title                        string
	MuteNewParticipants          bool
	CanChangeMuteNewParticipants bool
	RecordStartedAt              int64
	ParticipantCount             int32
	IsActive                     bool
	IsJoined                     bool
	IsBeingJoined                bool
	NeedRejoin                   bool
	CanModerate                  bool
	LoadedAllParticipants        bool
	RecentSpeakers               []RecentSpeaker
}

// IsRecording reports whether the call is being recorded.
func (v CallView) IsRecording() bool {
	return v.RecordStartedAt != 0
}

// Equal compares two views field by field.
func (v CallView) Equal(o CallView) bool {
	if len(v.RecentSpeakers) != len(o.RecentSpeakers) {
		return false
	}
	for i := range v.RecentSpeakers {
		if v.RecentSpeakers[i] != o.RecentSpeakers[i] {
			return false
		}
	}
	a, b := v, o
	a.RecentSpeakers, b.RecentSpeakers = nil, nil
	return a.Title == b.Title &&
		a.ID == b.ID &&
		a.Conversation == b.Conversation &&
		a.MuteNewParticipants == b.MuteNewParticipants &&
		a.CanChangeMuteNewParticipants == b.CanChangeMuteNewParticipants &&
		a.RecordStartedAt == b.RecordStartedAt &&
		a.ParticipantCount == b.ParticipantCount &&
		a.IsActive == b.IsActive &&
		a.IsJoined == b.IsJoined &&
		a.IsBeingJoined == b.IsBeingJoined &&
		a.NeedRejoin == b.NeedRejoin &&
		a.CanModerate == b.CanModerate &&
		a.LoadedAllParticipants == b.LoadedAllParticipants
}

// JoinParams describes a join attempt.
type JoinParams struct {
	// As is the identity to join as.
	As ParticipantID

	// AudioSource tags the local audio stream. Zero asks the manager to
	// pick a random non-zero source.
	AudioSource int32

	// Payload is the opaque media negotiation payload.
	Payload []byte

	// IsMuted joins with the microphone muted.
	IsMuted bool

	// InviteHash is an optional invite link hash granting speaking rights.
	InviteHash string
}

// RightsProvider resolves moderation rights for a conversation.
// Implementations live outside this package (dialog permission lookups).
type RightsProvider interface {
	CanModerate(conversation string) bool
}

// ManagerOptions configures the Manager. Zero values are replaced by the
// defaults documented on each field.
type ManagerOptions struct {
	// Logger for structured logs. Default: zap.NewNop().
	Logger *zap.Logger

	// Clock drives timestamps and timers. Default: the wall clock.
	Clock clock.Clock

	// Rights resolves moderation rights when a call is first observed.
	// If nil, moderation rights start as false until SetModerationRights.
	Rights RightsProvider

	// ParticipantPageSize is the page size used for full participant fetches.
	// Default: 100
	ParticipantPageSize int

	// MaxPendingDiffs bounds the out-of-order diff queue per call.
	// Default: 256
	MaxPendingDiffs int

	// RecentSpeakerTimeout is the speaker retention window.
	// Default: 1h
	RecentSpeakerTimeout time.Duration

	// RecentSpeakersInUpdate limits recent speakers in call notifications.
	// Default: 3
	RecentSpeakersInUpdate int

	// OrderUpdateInterval is how often the participant order is recomputed
	// while someone is speaking. Default: 10s
	OrderUpdateInterval time.Duration

	// SpeakingTimeout clears the speaking flag of participants with no
	// fresher speech. Default: 10s
	SpeakingTimeout time.Duration

	// JoinCheckInterval is the join liveness check period. Default: 10s
	JoinCheckInterval time.Duration

	// LeaveTimeout bounds the wait for a leave acknowledgment before a
	// parked rejoin is issued. Default: 5s
	LeaveTimeout time.Duration

	// RequestTimeout bounds every other transport request. Default: 30s
	RequestTimeout time.Duration

	// VersionSyncDelay is how long a server-reported version may stay ahead
	// of the local participant version before a resync. Default: 1s
	VersionSyncDelay time.Duration

	// ResyncInterval schedules a periodic full resync while a call has
	// subscribers. Negative disables it. Default: 5m
	ResyncInterval time.Duration

	// SyncBackoffMin and SyncBackoffMax bound the retry delay of failed
	// background resyncs. Defaults: 1s and 64s
	SyncBackoffMin time.Duration
	SyncBackoffMax time.Duration

	// SyncRateLimit and SyncBurst throttle full fetches per call.
	// Defaults: 1 per second, burst 3
	SyncRateLimit rate.Limit
	SyncBurst     int

	// EventHistorySize bounds the emitter's event history. Default: 100
	EventHistorySize int
}

func (o *ManagerOptions) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.ParticipantPageSize <= 0 {
		o.ParticipantPageSize = 100
	}
	if o.MaxPendingDiffs <= 0 {
		o.MaxPendingDiffs = 256
	}
	if o.RecentSpeakerTimeout <= 0 {
		o.RecentSpeakerTimeout = time.Hour
	}
	if o.RecentSpeakersInUpdate <= 0 {
		o.RecentSpeakersInUpdate = 3
	}
	if o.OrderUpdateInterval <= 0 {
		o.OrderUpdateInterval = 10 * time.Second
	}
	if o.SpeakingTimeout <= 0 {
		o.SpeakingTimeout = 10 * time.Second
	}
	if o.JoinCheckInterval <= 0 {
		o.JoinCheckInterval = 10 * time.Second
	}
	if o.LeaveTimeout <= 0 {
		o.LeaveTimeout = 5 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.VersionSyncDelay <= 0 {
		o.VersionSyncDelay = time.Second
	}
	if o.ResyncInterval == 0 {
		o.ResyncInterval = 5 * time.Minute
	}
	if o.SyncBackoffMin <= 0 {
		o.SyncBackoffMin = time.Second
	}
	if o.SyncBackoffMax <= 0 {
		o.SyncBackoffMax = 64 * time.Second
	}
	if o.SyncRateLimit <= 0 {
		o.SyncRateLimit = 1
	}
	if o.SyncBurst <= 0 {
		o.SyncBurst = 3
	}
	if o.EventHistorySize <= 0 {
		o.EventHistorySize = 100
	}
}
