package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"metachat/chatroom-service/internal/fanout"
)

// RedisRegistry publishes events on a per-user channel so that whichever
// instance holds the user's connections delivers them.
type RedisRegistry struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisRegistry(rdb *redis.Client, prefix string) *RedisRegistry {
	return &RedisRegistry{rdb: rdb, prefix: prefix}
}

func (r *RedisRegistry) channel(userID string) string {
	return r.prefix + userID
}

func (r *RedisRegistry) Send(ctx context.Context, userID string, evt fanout.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.rdb.Publish(ctx, r.channel(userID), data).Err()
}

// Relay feeds events published through RedisRegistry into the local hub.
type Relay struct {
	rdb    *redis.Client
	hub    *Hub
	prefix string
	logger *logrus.Logger
}

func NewRelay(rdb *redis.Client, hub *Hub, prefix string, logger *logrus.Logger) *Relay {
	return &Relay{rdb: rdb, hub: hub, prefix: prefix, logger: logger}
}

// Run blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.rdb.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s*: %w", r.prefix, err)
	}
	r.logger.WithField("pattern", r.prefix+"*").Info("Redis relay subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			userID := strings.TrimPrefix(msg.Channel, r.prefix)
			if err := r.hub.SendRaw(userID, []byte(msg.Payload)); err != nil {
				r.logger.WithError(err).WithField("user_id", userID).Warn("Failed to relay event")
			}
		}
	}
}
