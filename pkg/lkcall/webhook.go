package lkcall

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/webhook"
	"go.uber.org/zap"

	"github.com/am-sokolov/livekit-groupcall-go/pkg/groupcall"
)

// EventSink receives the inbound notifications derived from webhooks.
// *groupcall.Manager implements it.
type EventSink interface {
	HandleCallUpdate(info groupcall.CallInfo) (groupcall.CallID, error)
	HandleParticipantsDiff(server groupcall.ServerCallID, participants []groupcall.Participant, version int32) error
	Lookup(server groupcall.ServerCallID) (groupcall.CallID, bool)
	ReloadCall(ctx context.Context, id groupcall.CallID) error
}

var _ EventSink = (*groupcall.Manager)(nil)

// WebhookReceiver turns LiveKit webhooks into call updates and versioned
// participant diffs.
type WebhookReceiver struct {
	transport *Transport
	sink      EventSink
	provider  auth.KeyProvider
	logger    *zap.Logger
	clock     clock.Clock

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewWebhookReceiver creates a receiver that verifies requests against provider.
func NewWebhookReceiver(transport *Transport, sink EventSink, provider auth.KeyProvider, logger *zap.Logger) *WebhookReceiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookReceiver{
		transport: transport,
		sink:      sink,
		provider:  provider,
		logger:    logger,
		clock:     transport.opts.Clock,
		seen:      make(map[string]time.Time),
	}
}

// ServeHTTP verifies and applies one webhook delivery.
func (w *WebhookReceiver) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	event, err := webhook.ReceiveWebhookEvent(r, w.provider)
	if err != nil {
		w.logger.Warn("Rejected webhook", zap.Error(err))
		http.Error(rw, "invalid webhook", http.StatusUnauthorized)
		return
	}
	if err := w.HandleEvent(r.Context(), event); err != nil {
		w.logger.Error("Failed to apply webhook",
			zap.String("event", event.GetEvent()),
			zap.String("id", event.GetId()),
			zap.Error(err),
		)
		http.Error(rw, "failed to apply webhook", http.StatusInternalServerError)
		return
	}
	rw.WriteHeader(http.StatusOK)
}

// HandleEvent applies a verified webhook event. Redelivered events are
// ignored once they have been applied; a failed event may be delivered again.
func (w *WebhookReceiver) HandleEvent(ctx context.Context, event *livekit.WebhookEvent) error {
	if !w.markSeen(event.GetId()) {
		return nil
	}
	if err := w.apply(ctx, event); err != nil {
		w.unmarkSeen(event.GetId())
		return err
	}
	return nil
}

func (w *WebhookReceiver) apply(ctx context.Context, event *livekit.WebhookEvent) error {
	w.logger.Debug("Received webhook",
		zap.String("event", event.GetEvent()),
		zap.String("room", event.GetRoom().GetName()),
		zap.String("participant", event.GetParticipant().GetIdentity()),
	)

	switch event.GetEvent() {
	case webhook.EventRoomStarted:
		if event.GetRoom().GetName() == "" {
			return nil
		}
		info := CallInfoFromRoom(event.GetRoom(), w.transport.Version(groupcall.ServerCallID(event.GetRoom().GetName())))
		_, err := w.sink.HandleCallUpdate(info)
		return err

	case webhook.EventRoomFinished:
		room := event.GetRoom().GetName()
		if room == "" {
			return nil
		}
		w.transport.forget(room)
		_, err := w.sink.HandleCallUpdate(groupcall.CallInfo{ServerID: groupcall.ServerCallID(room)})
		if errors.Is(err, groupcall.ErrCallNotFound) {
			return nil
		}
		return err

	case webhook.EventParticipantJoined, webhook.EventTrackPublished, webhook.EventTrackUnpublished:
		if event.GetParticipant() == nil || isHidden(event.GetParticipant()) {
			return nil
		}
		return w.applyDiff(event.GetRoom(), ParticipantFromInfo(event.GetParticipant()))

	case webhook.EventParticipantLeft:
		if event.GetParticipant() == nil || isHidden(event.GetParticipant()) {
			return nil
		}
		return w.applyDiff(event.GetRoom(), groupcall.Participant{
			ID:   groupcall.ParticipantID(event.GetParticipant().GetIdentity()),
			Left: true,
		})

	case webhook.EventEgressStarted, webhook.EventEgressEnded:
		id, ok := w.sink.Lookup(groupcall.ServerCallID(event.GetEgressInfo().GetRoomName()))
		if !ok {
			return nil
		}
		err := w.sink.ReloadCall(ctx, id)
		if errors.Is(err, groupcall.ErrInvalidCall) {
			return nil
		}
		return err
	}
	return nil
}

// applyDiff numbers a participant change and delivers it. A room the
// engine does not track yet is registered first.
func (w *WebhookReceiver) applyDiff(room *livekit.Room, p groupcall.Participant) error {
	if room.GetName() == "" {
		return nil
	}
	server := groupcall.ServerCallID(room.GetName())
	version := w.transport.bump(room.GetName())

	err := w.sink.HandleParticipantsDiff(server, []groupcall.Participant{p}, version)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, groupcall.ErrInvalidCall):
		return err
	case p.Left:
		return nil
	}

	if _, err := w.sink.HandleCallUpdate(CallInfoFromRoom(room, version-1)); err != nil {
		return err
	}
	return w.sink.HandleParticipantsDiff(server, []groupcall.Participant{p}, version)
}

func (w *WebhookReceiver) markSeen(id string) bool {
	if id == "" {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[id]; ok {
		return false
	}
	w.seen[id] = w.clock.Now()
	return true
}

func (w *WebhookReceiver) unmarkSeen(id string) {
	if id == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.seen, id)
}

// PruneSeen forgets delivery ids older than maxAge and returns how many
// were dropped.
func (w *WebhookReceiver) PruneSeen(maxAge time.Duration) int {
	cutoff := w.clock.Now().Add(-maxAge)
	w.mu.Lock()
	defer w.mu.Unlock()
	pruned := 0
	for id, at := range w.seen {
		if at.Before(cutoff) {
			delete(w.seen, id)
			pruned++
		}
	}
	return pruned
}
