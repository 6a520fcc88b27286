// Package broker is the cross-instance fan-out capability. When a durable
// shared log is configured, every gateway instance publishes accepted
// events to it and consumes its siblings' entries to re-broadcast locally.
// Without one, the system degrades to single-instance broadcast only.
package broker

import (
	"context"
	"encoding/json"
)

// Event is one fan-out unit shipped between gateway instances. Origin is
// the publishing instance id; consumers skip their own entries because the
// local broadcast already happened at send time. Delivery is
// at-least-once, so downstream consumers dedup by message id.
type Event struct {
	Origin   string          `json:"origin"`
	ThreadID int64           `json:"thread_id"`
	Payload  json.RawMessage `json:"payload"`
}

// Handler consumes one event on the receiving instance.
type Handler func(ev Event)

// Broker is the durable pub/sub capability selected at startup. Exactly
// one implementation is active; callers never branch on broker presence.
type Broker interface {
	// Publish appends an event durably.
	Publish(ctx context.Context, ev Event) error

	// Run consumes events until ctx is done, invoking h for every entry
	// published by another instance. At-least-once.
	Run(ctx context.Context, h Handler) error

	Close() error
}

// Local is the broadcast-only fallback used when no shared log is
// configured. Publish is a no-op (the publishing instance already fanned
// out locally); operators must run exactly one gateway instance in this
// mode.
type Local struct{}

func (Local) Publish(context.Context, Event) error { return nil }

func (Local) Run(ctx context.Context, _ Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (Local) Close() error { return nil }

var _ Broker = Local{}
