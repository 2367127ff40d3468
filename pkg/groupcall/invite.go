package groupcall

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// GetInviteLink returns a link to an active call. Whoever joins through a
// link with canSelfUnmute may speak even when new participants join muted,
// so only moderators can get one.
func (m *Manager) GetInviteLink(ctx context.Context, id CallID, canSelfUnmute bool) (string, error) {
	c, err := m.lockCall(id)
	if err != nil {
		return "", err
	}
	server, active, allowed := c.server, c.info.IsActive, c.canModerate || !canSelfUnmute
	m.unlockCall(c)

	if !active {
		return "", fmt.Errorf("invite link of call %d: %w", id, ErrCallNotFound)
	}
	if !allowed {
		return "", fmt.Errorf("speaker invite link of call %d: %w", id, ErrAccessDenied)
	}
	return m.transport.GetInviteLink(ctx, server, canSelfUnmute)
}

// RevokeInviteLink invalidates every invite link issued so far. Requires
// moderation rights.
func (m *Manager) RevokeInviteLink(ctx context.Context, id CallID) error {
	c, err := m.lockCall(id)
	if err != nil {
		return err
	}
	server, allowed := c.server, c.canModerate
	m.unlockCall(c)

	if !allowed {
		return fmt.Errorf("revoke invite link of call %d: %w", id, ErrAccessDenied)
	}
	if err := m.transport.RevokeInviteLink(ctx, server); err != nil {
		return err
	}
	m.logger.Info("Revoked invite links", zap.Int32("callID", int32(id)))
	return nil
}

// InviteParticipants invites users to a call the local user has joined.
// Users already in the call are skipped.
func (m *Manager) InviteParticipants(ctx context.Context, id CallID, users []ParticipantID) error {
	if len(users) == 0 || lo.Contains(users, "") {
		return fmt.Errorf("invite to call %d: %w", id, ErrInvalidArgument)
	}

	c, err := m.lockCall(id)
	if err != nil {
		return err
	}
	if !c.joined {
		m.unlockCall(c)
		return fmt.Errorf("invite to call %d: %w", id, ErrNotJoined)
	}
	invite := lo.Filter(lo.Uniq(users), func(u ParticipantID, _ int) bool {
		if u == c.joinedAs {
			return false
		}
		_, present, _ := m.store.Get(c.id, u)
		return !present
	})
	server := c.server
	m.unlockCall(c)

	if len(invite) == 0 {
		return nil
	}
	return m.transport.InviteParticipants(ctx, server, invite)
}
