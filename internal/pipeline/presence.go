package pipeline

import (
	"context"
	"log/slog"

	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/Tyrowin/teamchat/internal/metrics"
)

// PublishPresence broadcasts a local presence transition on the presence
// topic, this instance included. A failed publish is retried; the delta
// version makes late and repeated deliveries harmless.
func (p *Pipeline) PublishPresence(ctx context.Context, d chat.PresenceDelta) {
	ev, err := p.event(chat.KindPresenceDelta, "", d, p.now())
	if err != nil {
		slog.Error("encode presence delta failed", "user", d.UserID, "error", err)
		return
	}
	ev.AccountID = d.AccountID
	p.publishOrQueue(ctx, p.topics.Presence(), ev)
}

// RequestPresenceSync asks every other instance to answer with a snapshot.
func (p *Pipeline) RequestPresenceSync(ctx context.Context) {
	p.publishControl(ctx, p.topics.Presence(), chat.KindPresenceSync, struct{}{})
}

// PublishPresenceSnapshot answers a sync request.
func (p *Pipeline) PublishPresenceSnapshot(ctx context.Context, s chat.PresenceSnapshot) {
	p.publishControl(ctx, p.topics.Presence(), chat.KindPresenceSnapshot, s)
}

// PublishMembershipChange tells every instance to drop cached membership of
// the channel and evict connections that are no longer members.
func (p *Pipeline) PublishMembershipChange(ctx context.Context, c chat.MembershipChange) error {
	ev, err := p.event(chat.KindMembershipChanged, c.ChannelID, c, p.now())
	if err != nil {
		return err
	}
	if err := p.bus.Publish(ctx, p.topics.Control(), ev); err != nil {
		metrics.PublishFailures.WithLabelValues(string(ev.Kind)).Inc()
		return chat.BusUnavailable(err)
	}
	return nil
}

// publishControl sends a best-effort instance-to-instance message. These are
// not queued: a resync repeats them.
func (p *Pipeline) publishControl(ctx context.Context, topic string, kind chat.Kind, payload any) {
	ev, err := p.event(kind, "", payload, p.now())
	if err != nil {
		slog.Error("encode control event failed", "kind", kind, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, topic, ev); err != nil {
		metrics.PublishFailures.WithLabelValues(string(kind)).Inc()
		slog.Warn("control publish failed", "kind", kind, "topic", topic, "error", err)
	}
}
