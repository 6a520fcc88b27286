package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultStream    = "relay:events"
	defaultGroup     = "relay-gateways"
	defaultMaxLen    = 100_000
	defaultBlock     = 5 * time.Second
	defaultBatchSize = 64
)

// Redis is a Broker backed by a Redis Stream with one consumer group
// entry per gateway instance. Entries are acknowledged after the local
// re-broadcast, so a crashed instance re-claims nothing it already
// delivered at-most its unacked tail (at-least-once overall).
type Redis struct {
	log      *slog.Logger
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
	maxLen   int64
}

// RedisConfig configures the stream broker. Consumer must be unique per
// gateway instance (the instance id); the effective consumer group is
// Group plus the consumer name, so every instance reads the full stream
// instead of sharing entries with its siblings.
type RedisConfig struct {
	URL      string
	Stream   string
	Group    string
	Consumer string
	MaxLen   int64
}

// NewRedis connects to Redis and validates connectivity.
func NewRedis(ctx context.Context, log *slog.Logger, cfg RedisConfig) (*Redis, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("broker: empty redis URL")
	}
	if strings.TrimSpace(cfg.Consumer) == "" {
		return nil, errors.New("broker: empty consumer name")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("broker: parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("broker: ping redis: %w", err)
	}

	b := &Redis{
		log:      log,
		rdb:      rdb,
		stream:   cfg.Stream,
		group:    cfg.Group,
		consumer: cfg.Consumer,
		maxLen:   cfg.MaxLen,
	}
	if b.stream == "" {
		b.stream = defaultStream
	}
	if b.group == "" {
		b.group = defaultGroup
	}
	b.group = b.group + ":" + b.consumer
	if b.maxLen <= 0 {
		b.maxLen = defaultMaxLen
	}
	return b, nil
}

// Publish appends an event to the stream, trimming it approximately to
// the configured length.
func (b *Redis) Publish(ctx context.Context, ev Event) error {
	if len(ev.Payload) == 0 {
		return errors.New("broker: empty payload")
	}
	return b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{
			"origin":    ev.Origin,
			"thread_id": strconv.FormatInt(ev.ThreadID, 10),
			"payload":   string(ev.Payload),
		},
	}).Err()
}

// Run claims entries for this instance's consumer and re-broadcasts
// foreign-origin events through h, acknowledging each handled entry.
func (b *Redis) Run(ctx context.Context, h Handler) error {
	if err := b.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{b.stream, ">"},
			Count:    defaultBatchSize,
			Block:    defaultBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn("broker.read.fail", "err", err)
			// Transient read failure; back off briefly and retry.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				ev, decodeErr := decodeEntry(entry)
				if decodeErr != nil {
					b.log.Warn("broker.entry.malformed", "id", entry.ID, "err", decodeErr)
				} else if ev.Origin != b.consumer {
					h(ev)
				}
				if err := b.rdb.XAck(ctx, b.stream, b.group, entry.ID).Err(); err != nil && ctx.Err() == nil {
					b.log.Warn("broker.ack.fail", "id", entry.ID, "err", err)
				}
			}
		}
	}
}

func (b *Redis) Close() error { return b.rdb.Close() }

func (b *Redis) ensureGroup(ctx context.Context) error {
	err := b.rdb.XGroupCreateMkStream(ctx, b.stream, b.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("broker: create group: %w", err)
	}
	return nil
}

func decodeEntry(entry redis.XMessage) (Event, error) {
	var ev Event
	origin, _ := entry.Values["origin"].(string)
	threadRaw, _ := entry.Values["thread_id"].(string)
	payload, _ := entry.Values["payload"].(string)

	if payload == "" {
		return Event{}, errors.New("missing payload")
	}
	if !json.Valid([]byte(payload)) {
		return Event{}, errors.New("payload is not valid JSON")
	}
	threadID, err := strconv.ParseInt(threadRaw, 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("bad thread_id: %w", err)
	}

	ev.Origin = origin
	ev.ThreadID = threadID
	ev.Payload = json.RawMessage(payload)
	return ev, nil
}

var _ Broker = (*Redis)(nil)
