// Package redisbridge carries snapshot deltas between processes over Redis
// pub/sub, so streams served by the API see changes made by the scheduler.
package redisbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"callsync_backend/internal/notify"
	"callsync_backend/platform/events"
	"callsync_backend/platform/logger"
	"callsync_backend/platform/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel deltas are published on.
const DefaultChannel = "calls.snapshot.changed"

type message struct {
	Origin string       `json:"origin"`
	Delta  notify.Delta `json:"delta"`
}

// Bridge publishes local deltas and forwards remote ones to a sink.
// Messages published by the same Bridge are not forwarded back.
type Bridge struct {
	rdb     *redis.Client
	channel string
	origin  string
	log     *logger.Logger
}

// New creates a Bridge on channel; an empty channel uses DefaultChannel.
func New(rdb *redis.Client, channel string, log *logger.Logger) *Bridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Bridge{
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
		log:     log.WithComponent("redis_bridge"),
	}
}

// Handle publishes a CallSnapshotChanged event. It implements events.Handler.
func (b *Bridge) Handle(ctx context.Context, e events.Event) error {
	changed, ok := e.(notify.CallSnapshotChanged)
	if !ok {
		return nil
	}
	payload, err := json.Marshal(message{Origin: b.origin, Delta: changed.Delta})
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish delta: %w", err)
	}
	metrics.NotifyDeliveredTotal.WithLabelValues("redis").Inc()
	return nil
}

// Run forwards deltas from other processes to sink until ctx is cancelled.
// ready, if non-nil, is closed once the subscription is active.
func (b *Bridge) Run(ctx context.Context, sink notify.Sink, ready chan<- struct{}) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	b.log.Info("redis bridge subscribed", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.log.Warn("redis bridge dropped malformed message", "error", err)
				continue
			}
			if m.Origin == b.origin {
				continue
			}
			sink.Deliver(m.Delta)
		}
	}
}

var _ events.Handler = (*Bridge)(nil)
