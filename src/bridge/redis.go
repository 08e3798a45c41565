package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/fleetlink/realtime/src/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisEnvelope wraps a broadcast with the originating instance ID so that a
// node can skip its own published envelopes.
type redisEnvelope struct {
	InstanceID string                  `json:"instance_id"`
	Topic      string                  `json:"topic"`
	Envelope   types.BroadcastEnvelope `json:"envelope"`
}

// RedisBridge relays broadcast envelopes between broker instances via Redis
// pub/sub. Presence is not relayed; it stays instance-local by design.
type RedisBridge struct {
	client     *redis.Client
	prefix     string
	instanceID string
	target     BroadcastTarget
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// NewRedisBridge creates a bridge that uses Redis pub/sub for cross-instance
// broadcast relay.
func NewRedisBridge(cfg *RedisConfig, target BroadcastTarget, logger zerolog.Logger) *RedisBridge {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithCancel(context.Background())

	return &RedisBridge{
		client:     client,
		prefix:     cfg.Prefix,
		instanceID: uuid.New().String(),
		target:     target,
		logger:     logger.With().Str("component", "redis-bridge").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes to the Redis relay channel and begins forwarding.
func (b *RedisBridge) Start() error {
	if err := b.client.Ping(b.ctx).Err(); err != nil {
		return err
	}

	channel := b.prefix + "broadcast"
	sub := b.client.Subscribe(b.ctx, channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(b.ctx); err != nil {
		return err
	}

	b.mu.Lock()
	b.active = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.listen(sub)

	b.logger.Info().
		Str("instance_id", b.instanceID).
		Str("channel", channel).
		Msg("redis bridge started")
	return nil
}

// Publish sends an envelope to all other instances via Redis.
func (b *RedisBridge) Publish(topic string, env types.BroadcastEnvelope) error {
	wrapped := redisEnvelope{
		InstanceID: b.instanceID,
		Topic:      topic,
		Envelope:   env,
	}
	data, err := json.Marshal(wrapped)
	if err != nil {
		return err
	}
	channel := b.prefix + "broadcast"
	return b.client.Publish(b.ctx, channel, data).Err()
}

// Stop unsubscribes and closes the Redis connection.
func (b *RedisBridge) Stop() error {
	b.mu.Lock()
	b.active = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}

// Available reports whether the bridge is connected.
func (b *RedisBridge) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// listen reads envelopes from the Redis subscription and forwards them to
// the local broker.
func (b *RedisBridge) listen(sub *redis.PubSub) {
	defer b.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleRedisMessage(msg)
		case <-b.ctx.Done():
			return
		}
	}
}

// handleRedisMessage decodes an envelope and forwards non-self broadcasts.
func (b *RedisBridge) handleRedisMessage(msg *redis.Message) {
	var wrapped redisEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &wrapped); err != nil {
		b.logger.Error().Err(err).Msg("failed to decode redis message")
		return
	}

	// Skip envelopes that originated from this instance.
	if wrapped.InstanceID == b.instanceID {
		return
	}

	b.logger.Debug().
		Str("from_instance", wrapped.InstanceID).
		Str("topic", wrapped.Topic).
		Str("event", wrapped.Envelope.Event).
		Msg("relaying broadcast from redis")

	b.target.BroadcastToLocal(wrapped.Topic, wrapped.Envelope)
}
