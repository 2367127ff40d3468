package groupcall

import "context"

// ParticipantPage is one page of a full participant-list fetch.
type ParticipantPage struct {
	Participants []Participant
	// Version is the participant-list version the page was read at.
	Version int32
	// NextCursor continues the fetch; empty on the last page.
	NextCursor string
	TotalCount int32
}

// JoinRequest is sent to join a call.
type JoinRequest struct {
	Call       ServerCallID
	Params     JoinParams
	Generation Generation
}

// JoinResponse is the server answer to a join.
type JoinResponse struct {
	// Payload is the opaque media negotiation answer.
	Payload []byte
	// Self is the joined participant as seen by the server, if returned.
	Self *Participant
	// Version is the participant-list version after the join.
	Version int32
}

// Transport is the RPC layer the manager issues requests through. Every
// mutating request carries the generation captured when it was issued.
//
// Implementations should map server failures to ErrCallNotFound,
// ErrAccessDenied, ErrNotJoined and ErrInvalidArgument where they apply;
// other errors are passed to callers unchanged.
type Transport interface {
	CreateCall(ctx context.Context, conversation, title string) (*CallInfo, error)
	FetchCall(ctx context.Context, call ServerCallID) (*CallInfo, error)
	FetchParticipants(ctx context.Context, call ServerCallID, cursor string, limit int, gen Generation) (*ParticipantPage, error)
	DiscardCall(ctx context.Context, call ServerCallID) error

	Join(ctx context.Context, req JoinRequest) (*JoinResponse, error)
	Leave(ctx context.Context, call ServerCallID, as ParticipantID, audioSource int32, gen Generation) error
	CheckJoined(ctx context.Context, call ServerCallID, as ParticipantID, audioSource int32) error

	SetParticipantMuted(ctx context.Context, call ServerCallID, id ParticipantID, state MuteState, gen Generation) (*Participant, error)
	SetParticipantVolume(ctx context.Context, call ServerCallID, id ParticipantID, level int32, gen Generation) (*Participant, error)
	SetParticipantHandRaised(ctx context.Context, call ServerCallID, id ParticipantID, raised bool, gen Generation) (*Participant, error)

	ToggleRecording(ctx context.Context, call ServerCallID, enabled bool, title string, gen Generation) error
	SetTitle(ctx context.Context, call ServerCallID, title string, gen Generation) error
	ToggleMuteNewParticipants(ctx context.Context, call ServerCallID, mute bool, gen Generation) error

	GetInviteLink(ctx context.Context, call ServerCallID, canSelfUnmute bool) (string, error)
	RevokeInviteLink(ctx context.Context, call ServerCallID) error
	InviteParticipants(ctx context.Context, call ServerCallID, users []ParticipantID) error
}
