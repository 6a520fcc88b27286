package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "relay/contracts/dm/v1"
	"relay/internal/attach"
	"relay/internal/broker"
	"relay/internal/metrics"
	"relay/internal/store"
)

// Pipeline errors, mapped onto wire error codes by the gateway.
var (
	// ErrForbidden: sender is not a participant of the thread (or is
	// blocked). Permanent; never retried.
	ErrForbidden = errors.New("realtime: forbidden")
	// ErrSendFailed: persistence failed on both write paths. Transient;
	// the client outbox retries with backoff.
	ErrSendFailed = errors.New("realtime: send failed")
)

// Pipeline is the reliable send path: it persists an inbound message
// exactly once (deduplicated by the client-generated id), advances the
// thread cursor, and hands the canonical message to fan-out.
//
// Exactly-once: the store's idempotent insert is the sole deduplication
// mechanism. A crash anywhere after the insert re-runs the whole send and
// gets the original row back instead of a duplicate.
type Pipeline struct {
	log      *slog.Logger
	store    store.Store
	fallback store.Store // optional secondary write path (elevated credentials)
	registry *Registry
	broker   broker.Broker
	resolver *attach.Resolver // optional; attachments keep bare refs when nil
	metrics  *metrics.Metrics
	origin   string // this gateway instance's broker origin id
}

// PipelineConfig wires a Pipeline. Store, Registry, Broker, and Origin
// are required; Fallback and Resolver are optional.
type PipelineConfig struct {
	Log      *slog.Logger
	Store    store.Store
	Fallback store.Store
	Registry *Registry
	Broker   broker.Broker
	Resolver *attach.Resolver
	Metrics  *metrics.Metrics
	Origin   string
}

// NewPipeline constructs a Pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, errors.New("realtime: pipeline needs a store")
	}
	if cfg.Registry == nil {
		return nil, errors.New("realtime: pipeline needs a registry")
	}
	if cfg.Broker == nil {
		cfg.Broker = broker.Local{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	if cfg.Log == nil {
		return nil, errors.New("realtime: pipeline needs a logger")
	}
	if strings.TrimSpace(cfg.Origin) == "" {
		return nil, errors.New("realtime: pipeline needs an origin id")
	}
	return &Pipeline{
		log:      cfg.Log,
		store:    cfg.Store,
		fallback: cfg.Fallback,
		registry: cfg.Registry,
		broker:   cfg.Broker,
		resolver: cfg.Resolver,
		metrics:  cfg.Metrics,
		origin:   cfg.Origin,
	}, nil
}

// SendInput describes one inbound message send.
type SendInput struct {
	ThreadID    int64
	SenderID    string
	Kind        v1.MessageKind
	Body        *string
	Attachments []v1.Attachment
	ClientMsgID string
}

// SendResult carries the canonical message and whether the send was a
// deduplicated retry.
type SendResult struct {
	Message    v1.Message
	Duplicated bool
}

// Send runs the reliable send contract: participant check, idempotent
// insert (with secondary-path fallback), cursor advance, canonical wire
// message, fan-out. A message accepted here completes and is broadcast
// even if the sender disconnects mid-flight; callers pass a context that
// is not tied to the socket.
func (p *Pipeline) Send(ctx context.Context, in SendInput) (SendResult, error) {
	ok, err := p.store.IsParticipant(ctx, in.ThreadID, in.SenderID)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: participant check: %v", ErrSendFailed, err)
	}
	if !ok {
		return SendResult{}, fmt.Errorf("%w: %s is not in thread %d", ErrForbidden, in.SenderID, in.ThreadID)
	}
	if err := p.checkBlocked(ctx, in.ThreadID, in.SenderID); err != nil {
		return SendResult{}, err
	}

	insert := store.InsertMessageInput{
		ThreadID:    in.ThreadID,
		SenderID:    in.SenderID,
		Kind:        in.Kind,
		Body:        in.Body,
		Attachments: in.Attachments,
		ClientMsgID: in.ClientMsgID,
		Now:         time.Now().UTC(),
	}

	res, err := p.store.InsertMessage(ctx, insert)
	if err != nil && p.fallback != nil && store.Retryable(err) {
		// Secondary direct-write path. Same idempotent insert, different
		// credentials, so the exactly-once guarantee is identical.
		p.log.Warn("pipeline.send.fallback", "thread_id", in.ThreadID, "client_msg_id", in.ClientMsgID, "err", err)
		p.metrics.SendFallbacks.Inc()
		res, err = p.fallback.InsertMessage(ctx, insert)
	}
	if err != nil {
		if !store.Retryable(err) {
			return SendResult{}, fmt.Errorf("%w: %v", ErrForbidden, err)
		}
		return SendResult{}, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	msg := res.Stored.Wire()
	p.resolveAttachments(ctx, &msg)

	if res.Duplicated {
		p.metrics.MessagesDuplicated.Inc()
		return SendResult{Message: msg, Duplicated: true}, nil
	}
	p.metrics.MessagesPersisted.Inc()

	ev := v1.MessageEvent(msg)
	p.registry.Broadcast(in.ThreadID, ev, nil)
	p.publish(ctx, in.ThreadID, ev)

	return SendResult{Message: msg, Duplicated: false}, nil
}

// PublishEvent hands a non-message event (ack, typing) to the
// cross-instance broker.
func (p *Pipeline) PublishEvent(ctx context.Context, threadID int64, ev v1.ServerEvent) {
	p.publish(ctx, threadID, ev)
}

func (p *Pipeline) publish(ctx context.Context, threadID int64, ev v1.ServerEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("pipeline.publish.encode", "thread_id", threadID, "err", err)
		return
	}
	if err := p.broker.Publish(ctx, broker.Event{
		Origin:   p.origin,
		ThreadID: threadID,
		Payload:  payload,
	}); err != nil {
		// Local subscribers already got the event; sibling instances
		// will catch up via sync. Loud log, not a send failure.
		p.log.Error("pipeline.publish.fail", "thread_id", threadID, "err", err)
		return
	}
	p.metrics.BrokerPublished.Inc()
}

func (p *Pipeline) checkBlocked(ctx context.Context, threadID int64, senderID string) error {
	participants, err := p.store.Participants(ctx, threadID)
	if err != nil {
		return fmt.Errorf("%w: participants: %v", ErrSendFailed, err)
	}
	for _, part := range participants {
		if part.UserID == senderID {
			continue
		}
		blocked, err := p.store.IsBlocked(ctx, senderID, part.UserID)
		if err != nil {
			return fmt.Errorf("%w: block check: %v", ErrSendFailed, err)
		}
		if blocked {
			return fmt.Errorf("%w: blocked", ErrForbidden)
		}
	}
	return nil
}

// resolveAttachments attaches signed retrieval URLs best-effort; a
// resolution failure leaves the bare reference in place.
func (p *Pipeline) resolveAttachments(ctx context.Context, msg *v1.Message) {
	if p.resolver == nil || len(msg.Attachments) == 0 {
		return
	}
	for i := range msg.Attachments {
		a := &msg.Attachments[i]
		url, err := p.resolver.Resolve(ctx, a.Path, a.Bucket, 0)
		if err != nil {
			p.log.Warn("pipeline.attach.resolve", "path", a.Path, "err", err)
			continue
		}
		a.URL = url
	}
}
