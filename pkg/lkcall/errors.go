package lkcall

import (
	"errors"
	"fmt"

	"github.com/twitchtv/twirp"

	"github.com/am-sokolov/livekit-groupcall-go/pkg/groupcall"
)

// mapError translates LiveKit twirp failures into engine errors. notFound
// is used for NotFound replies, whose meaning depends on the request.
func mapError(err error, notFound error) error {
	if err == nil {
		return nil
	}
	var terr twirp.Error
	if !errors.As(err, &terr) {
		return err
	}

	var mapped error
	switch terr.Code() {
	case twirp.NotFound:
		mapped = notFound
	case twirp.PermissionDenied, twirp.Unauthenticated:
		mapped = groupcall.ErrAccessDenied
	case twirp.InvalidArgument, twirp.OutOfRange, twirp.Malformed:
		mapped = groupcall.ErrInvalidArgument
	case twirp.DeadlineExceeded:
		mapped = groupcall.ErrTimeout
	default:
		return err
	}
	return fmt.Errorf("livekit %s: %s: %w", terr.Code(), terr.Msg(), mapped)
}
