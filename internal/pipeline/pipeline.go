// Package pipeline validates, persists and publishes the events clients send.
// Persistence always completes before the matching event is published; a
// failed publish never fails an operation whose state is already committed.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tyrowin/teamchat/internal/bus"
	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/Tyrowin/teamchat/internal/metrics"
	"github.com/Tyrowin/teamchat/internal/store"
)

var tracer = otel.Tracer("teamchat/pipeline")

const defaultTypingTTL = 5 * time.Second

// Options configures a Pipeline.
type Options struct {
	Store      store.Messages
	Members    store.Membership
	Bus        bus.Bus
	Topics     bus.Topics
	Limits     chat.Limits
	TypingTTL  time.Duration
	InstanceID string
	// RedeliveryQueue bounds the number of events waiting for a retried publish.
	RedeliveryQueue int
	Now             func() time.Time
}

// Pipeline handles client events for every connection of one instance.
type Pipeline struct {
	store      store.Messages
	members    store.Membership
	bus        bus.Bus
	topics     bus.Topics
	limits     chat.Limits
	instanceID string
	now        func() time.Time

	typing     *typingTracker
	redelivery *redeliveryQueue
}

// New builds a Pipeline. Call Start before handling events.
func New(opts Options) *Pipeline {
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = defaultTypingTTL
	}
	if opts.Limits == (chat.Limits{}) {
		opts.Limits = chat.DefaultLimits()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		store:      opts.Store,
		members:    opts.Members,
		bus:        opts.Bus,
		topics:     opts.Topics,
		limits:     opts.Limits,
		instanceID: opts.InstanceID,
		now:        opts.Now,
		typing:     newTypingTracker(opts.TypingTTL),
		redelivery: newRedeliveryQueue(opts.Bus, opts.RedeliveryQueue),
	}
}

// Start runs the redelivery worker and the typing garbage collector until ctx ends.
func (p *Pipeline) Start(ctx context.Context) {
	go p.redelivery.run(ctx)
	go func() {
		ticker := time.NewTicker(p.typing.ttl)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := p.typing.gc(p.now()); n > 0 {
					slog.Debug("expired typing indicators", "count", n)
				}
			}
		}
	}()
}

// Kick retries queued publishes now instead of waiting for the next backoff.
func (p *Pipeline) Kick() {
	p.redelivery.signal()
}

// Handle processes one client event and returns the acknowledgement payload.
// Errors are *chat.Error values meant for the originating connection only.
func (p *Pipeline) Handle(ctx context.Context, principal chat.Principal, f chat.ClientFrame) (result any, err error) {
	ctx, span := tracer.Start(ctx, "pipeline."+string(f.Type),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("chat.user", principal.UserID),
			attribute.String("chat.account", principal.AccountID),
			attribute.String("chat.event", string(f.Type)),
		),
	)
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(chat.CodeOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		metrics.EventsHandled.WithLabelValues(string(f.Type), outcome).Inc()
		span.End()
	}()

	switch f.Type {
	case chat.KindSendMessage:
		return p.sendMessage(ctx, principal, f)
	case chat.KindTypingStart, chat.KindTypingStop:
		return p.typingEvent(ctx, principal, f)
	case chat.KindReact:
		return p.react(ctx, principal, f)
	case chat.KindMarkRead:
		return p.markRead(ctx, principal, f)
	default:
		return nil, chat.Validationf("unsupported event type %q", f.Type)
	}
}

func (p *Pipeline) sendMessage(ctx context.Context, principal chat.Principal, f chat.ClientFrame) (any, error) {
	var req chat.SendMessage
	if err := chat.DecodePayload(f, &req); err != nil {
		return nil, err
	}
	if err := req.Validate(p.limits); err != nil {
		return nil, err
	}
	if err := p.requireMember(ctx, req.ChannelID, principal.UserID); err != nil {
		return nil, err
	}
	if req.ReplyToMessageID != "" {
		if err := p.checkReplyTarget(ctx, req.ChannelID, req.ReplyToMessageID); err != nil {
			return nil, err
		}
	}

	now := p.now()
	msg, err := p.store.CreateMessage(ctx, chat.NewMessage{
		ChannelID:        req.ChannelID,
		SenderID:         principal.UserID,
		Text:             req.MessageText,
		Type:             req.MessageType,
		Attachments:      req.Attachments,
		ReplyToMessageID: req.ReplyToMessageID,
	}, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, chat.NotFound("channel", req.ChannelID)
		}
		slog.Error("persist message failed", "channel", req.ChannelID, "user", principal.UserID, "error", err)
		return nil, chat.PersistenceFailed(err)
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("chat.channel", msg.ChannelID),
		attribute.String("chat.message", msg.ID),
	)

	p.publishCommitted(ctx, p.topics.Channel(msg.ChannelID), chat.KindMessageCreated, msg.ChannelID, msg, now)
	return msg, nil
}

// checkReplyTarget requires the replied-to message to exist in the same channel.
func (p *Pipeline) checkReplyTarget(ctx context.Context, channelID, messageID string) error {
	target, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chat.NotFound("message", messageID)
		}
		return chat.PersistenceFailed(err)
	}
	if target.ChannelID != channelID {
		return chat.Validationf("replyToMessageId %q is not in channel %s", messageID, channelID)
	}
	return nil
}

func (p *Pipeline) typingEvent(ctx context.Context, principal chat.Principal, f chat.ClientFrame) (any, error) {
	var req chat.Typing
	if err := chat.DecodePayload(f, &req); err != nil {
		return nil, err
	}
	if err := chat.ValidateID("channelId", req.ChannelID); err != nil {
		return nil, err
	}
	if err := p.requireMember(ctx, req.ChannelID, principal.UserID); err != nil {
		return nil, err
	}

	now := p.now()
	update := chat.TypingUpdate{ChannelID: req.ChannelID, UserID: principal.UserID}
	publish := true
	if f.Type == chat.KindTypingStart {
		update.IsTyping = true
		update.ExpiresAt, publish = p.typing.start(req.ChannelID, principal.UserID, now)
	} else {
		update.ExpiresAt = now
		p.typing.stop(req.ChannelID, principal.UserID)
	}
	if !publish {
		return update, nil
	}

	// Typing is ephemeral: a lost update is never retried.
	ev, err := p.event(chat.KindTypingUpdate, req.ChannelID, update, now)
	if err != nil {
		return nil, err
	}
	if err := p.bus.Publish(ctx, p.topics.Channel(req.ChannelID), ev); err != nil {
		metrics.PublishFailures.WithLabelValues(string(ev.Kind)).Inc()
		slog.Warn("typing publish failed", "channel", req.ChannelID, "error", err)
	}
	return update, nil
}

func (p *Pipeline) react(ctx context.Context, principal chat.Principal, f chat.ClientFrame) (any, error) {
	var req chat.React
	if err := chat.DecodePayload(f, &req); err != nil {
		return nil, err
	}
	if err := req.Validate(p.limits); err != nil {
		return nil, err
	}

	msg, err := p.store.GetMessage(ctx, req.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, chat.NotFound("message", req.MessageID)
		}
		return nil, chat.PersistenceFailed(err)
	}
	if err := p.requireMember(ctx, msg.ChannelID, principal.UserID); err != nil {
		return nil, err
	}

	now := p.now()
	previous, err := p.store.UpsertReaction(ctx, chat.Reaction{
		MessageID: msg.ID,
		UserID:    principal.UserID,
		Emoji:     req.Emoji,
		UpdatedAt: now,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, chat.NotFound("message", req.MessageID)
		}
		return nil, chat.PersistenceFailed(err)
	}
	counts, err := p.store.ReactionCounts(ctx, msg.ID)
	if err != nil {
		return nil, chat.PersistenceFailed(err)
	}

	update := chat.ReactionUpdate{
		MessageID:     msg.ID,
		ChannelID:     msg.ChannelID,
		UserID:        principal.UserID,
		Emoji:         req.Emoji,
		PreviousEmoji: previous,
		Counts:        counts,
	}
	if previous == req.Emoji {
		return update, nil
	}
	p.publishCommitted(ctx, p.topics.Channel(msg.ChannelID), chat.KindReactionUpdated, msg.ChannelID, update, now)
	return update, nil
}

func (p *Pipeline) markRead(ctx context.Context, principal chat.Principal, f chat.ClientFrame) (any, error) {
	var req chat.MarkRead
	if err := chat.DecodePayload(f, &req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := p.requireMember(ctx, req.ChannelID, principal.UserID); err != nil {
		return nil, err
	}

	var (
		target chat.Message
		err    error
	)
	if req.MessageID == "" {
		target, err = p.store.LatestMessage(ctx, req.ChannelID)
		if errors.Is(err, store.ErrNotFound) {
			// Nothing to read yet.
			return chat.ReadResult{Marker: chat.ReadMarker{ChannelID: req.ChannelID, UserID: principal.UserID}}, nil
		}
	} else {
		target, err = p.store.GetMessage(ctx, req.MessageID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, chat.NotFound("message", req.MessageID)
		}
	}
	if err != nil {
		return nil, chat.PersistenceFailed(err)
	}
	if target.ChannelID != req.ChannelID {
		return nil, chat.Validationf("message %q does not belong to channel %q", target.ID, req.ChannelID)
	}

	now := p.now()
	marker, advanced, err := p.store.UpdateReadMarker(ctx, chat.ReadMarker{
		ChannelID:         req.ChannelID,
		UserID:            principal.UserID,
		LastReadMessageID: target.ID,
		LastReadSeq:       target.Seq,
		ReadAt:            now,
	})
	if err != nil {
		return nil, chat.PersistenceFailed(err)
	}
	if advanced {
		p.publishCommitted(ctx, p.topics.Channel(req.ChannelID), chat.KindReadReceiptUpdated, req.ChannelID, marker, now)
	}
	return chat.ReadResult{Marker: marker, Advanced: advanced}, nil
}

func (p *Pipeline) requireMember(ctx context.Context, channelID, userID string) error {
	ok, err := p.members.IsMember(ctx, channelID, userID)
	if err != nil {
		slog.Error("membership lookup failed", "channel", channelID, "user", userID, "error", err)
		return chat.PersistenceFailed(err)
	}
	if !ok {
		return chat.NotMember(channelID)
	}
	return nil
}

func (p *Pipeline) event(kind chat.Kind, channelID string, payload any, now time.Time) (chat.Event, error) {
	ev, err := chat.NewEvent(kind, channelID, payload, now)
	if err != nil {
		return chat.Event{}, err
	}
	ev.Origin = p.instanceID
	return ev, nil
}

// publishCommitted publishes an event whose state is already persisted. The
// originating connection may be gone by now, so its cancellation is ignored.
// A failed publish is queued for redelivery and never reported to the sender.
func (p *Pipeline) publishCommitted(ctx context.Context, topic string, kind chat.Kind, channelID string, payload any, now time.Time) {
	ev, err := p.event(kind, channelID, payload, now)
	if err != nil {
		slog.Error("encode committed event failed", "kind", kind, "error", err)
		return
	}
	p.publishOrQueue(context.WithoutCancel(ctx), topic, ev)
}

func (p *Pipeline) publishOrQueue(ctx context.Context, topic string, ev chat.Event) {
	if err := p.bus.Publish(ctx, topic, ev); err != nil {
		metrics.PublishFailures.WithLabelValues(string(ev.Kind)).Inc()
		slog.Warn("publish failed, queued for redelivery", "topic", topic, "kind", ev.Kind, "error", chat.BusUnavailable(err))
		p.redelivery.push(topic, ev)
	}
}
