package groupcall

import (
	"context"
	"errors"
)

var (
	// ErrInvalidCall is returned for operations on unknown or torn-down calls.
	ErrInvalidCall = errors.New("invalid group call")

	// ErrSuperseded resolves a request whose generation was overtaken by a
	// newer request of the same kind. Callers should ignore it silently.
	ErrSuperseded = errors.New("request superseded by a newer one")

	// ErrAccessDenied is a permission failure, local or reported by the server.
	ErrAccessDenied = errors.New("access denied")

	// ErrVersionGap signals a participant diff that does not follow the local
	// version. It never leaves the package.
	ErrVersionGap = errors.New("participant version gap")

	// ErrTimeout is a failed join or leave liveness check.
	ErrTimeout = errors.New("group call request timed out")

	// ErrNotFound is returned by the registry for unknown or retired handles.
	ErrNotFound = errors.New("not found")

	// ErrCallNotFound is reported by the server when the call no longer exists.
	ErrCallNotFound = errors.New("group call not found on server")

	// ErrNotJoined is returned when the local user is not in the call.
	ErrNotJoined = errors.New("group call is not joined")

	// ErrParticipantNotFound is returned for unknown participants.
	ErrParticipantNotFound = errors.New("participant not found")

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")
)

// IsSuperseded reports whether err only means a newer request took over.
func IsSuperseded(err error) bool {
	return errors.Is(err, ErrSuperseded)
}

// tearsDownCall reports whether a join failure means the call is gone for us.
func tearsDownCall(err error) bool {
	return errors.Is(err, ErrCallNotFound) || errors.Is(err, ErrAccessDenied)
}

// isCallGone reports whether the server no longer knows the call.
func isCallGone(err error) bool {
	return errors.Is(err, ErrCallNotFound)
}

// isLivenessFailure reports whether a liveness check proved we are no longer in the call.
func isLivenessFailure(err error) bool {
	return errors.Is(err, ErrNotJoined) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}
