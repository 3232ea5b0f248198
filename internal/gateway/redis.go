package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamClient is the minimal client surface used by the Redis transport.
type RedisStreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
}

const envelopeField = "envelope"

// RedisPublisher publishes envelopes onto one Redis stream per topic.
type RedisPublisher struct {
	client RedisStreamClient
	prefix string
	maxLen int64
}

// NewRedisPublisher constructs a publisher writing to streams named
// prefix+topic.
func NewRedisPublisher(client RedisStreamClient, prefix string, maxLen int64) *RedisPublisher {
	if prefix == "" {
		prefix = "events:"
	}
	return &RedisPublisher{client: client, prefix: prefix, maxLen: maxLen}
}

// Publish appends the envelope to the topic's stream.
func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload any, metadata map[string]string) error {
	env, err := NewEnvelope(topic, payload, metadata)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope for %s: %w", topic, err)
	}

	args := &redis.XAddArgs{
		Stream: p.prefix + topic,
		Values: map[string]any{envelopeField: data},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// RedisConsumer reads envelopes from topic streams through a consumer group
// and feeds them to a Dispatcher. Messages are acked only after a successful
// dispatch: a failed delivery stays pending and is picked up again by the
// periodic XAUTOCLAIM pass, so downstream handlers see at-least-once
// semantics.
type RedisConsumer struct {
	client       RedisStreamClient
	dispatcher   *Dispatcher
	logger       *slog.Logger
	prefix       string
	group        string
	consumer     string
	block        time.Duration
	reclaimEvery time.Duration
	minIdle      time.Duration
}

// NewRedisConsumer constructs a consumer for every topic registered on the
// dispatcher.
func NewRedisConsumer(client RedisStreamClient, dispatcher *Dispatcher, logger *slog.Logger, prefix, group, consumer string) *RedisConsumer {
	if prefix == "" {
		prefix = "events:"
	}
	if group == "" {
		group = "order-processor"
	}
	if consumer == "" {
		consumer = "consumer-1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisConsumer{
		client:       client,
		dispatcher:   dispatcher,
		logger:       logger,
		prefix:       prefix,
		group:        group,
		consumer:     consumer,
		block:        5 * time.Second,
		reclaimEvery: 30 * time.Second,
		minIdle:      30 * time.Second,
	}
}

// Run consumes until the context is cancelled. It creates the consumer group
// on each stream first, then loops reading and dispatching.
func (c *RedisConsumer) Run(ctx context.Context) error {
	streams := make([]string, 0, len(c.dispatcher.Topics()))
	for _, topic := range c.dispatcher.Topics() {
		stream := c.prefix + topic
		if err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err(); err != nil && !isBusyGroup(err) {
			return fmt.Errorf("create group on %s: %w", stream, err)
		}
		streams = append(streams, stream)
	}
	if len(streams) == 0 {
		return fmt.Errorf("no topics registered")
	}

	// XReadGroup wants streams followed by one ">" cursor per stream.
	readArgs := make([]string, 0, len(streams)*2)
	readArgs = append(readArgs, streams...)
	for range streams {
		readArgs = append(readArgs, ">")
	}

	var lastReclaim time.Time
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// First iteration reclaims entries stranded by a previous run.
		if time.Since(lastReclaim) >= c.reclaimEvery {
			c.reclaim(ctx, streams)
			lastReclaim = time.Now()
		}

		result, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  readArgs,
			Block:    c.block,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("read from streams failed", "error", err)
			continue
		}

		for _, stream := range result {
			for _, msg := range stream.Messages {
				c.handleMessage(ctx, stream.Stream, msg)
			}
		}
	}
}

// reclaim takes over pending entries idle past minIdle and redelivers them.
// The ">"-cursor read loop never revisits the pending entry list, so without
// this pass a failed dispatch would stay stranded until the next restart.
func (c *RedisConsumer) reclaim(ctx context.Context, streams []string) {
	for _, stream := range streams {
		start := "0-0"
		for {
			msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    c.group,
				Consumer: c.consumer,
				MinIdle:  c.minIdle,
				Start:    start,
				Count:    100,
			}).Result()
			if err != nil {
				if err != redis.Nil {
					c.logger.Error("reclaim pending entries failed", "stream", stream, "error", err)
				}
				break
			}
			for _, msg := range msgs {
				c.handleMessage(ctx, stream, msg)
			}
			if len(msgs) == 0 || next == "0-0" {
				break
			}
			start = next
		}
	}
}

func (c *RedisConsumer) handleMessage(ctx context.Context, stream string, msg redis.XMessage) {
	raw, ok := msg.Values[envelopeField].(string)
	if !ok {
		// Malformed entry: ack so it does not wedge the pending list.
		c.logger.Warn("stream entry without envelope field", "stream", stream, "id", msg.ID)
		c.ack(ctx, stream, msg.ID)
		return
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		c.logger.Warn("undecodable envelope", "stream", stream, "id", msg.ID, "error", err)
		c.ack(ctx, stream, msg.ID)
		return
	}

	if err := c.dispatcher.Dispatch(ctx, env); err != nil {
		// Leave the entry pending for redelivery.
		c.logger.Error("dispatch failed", "topic", env.Topic, "event_id", env.ID, "error", err)
		return
	}
	c.ack(ctx, stream, msg.ID)
}

func (c *RedisConsumer) ack(ctx context.Context, stream, id string) {
	if err := c.client.XAck(ctx, stream, c.group, id).Err(); err != nil {
		c.logger.Error("ack failed", "stream", stream, "id", id, "error", err)
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
