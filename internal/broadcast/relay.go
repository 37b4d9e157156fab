package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"qrattend/internal/attendance"
)

// RedisRelay carries outcomes between processes over Redis pub/sub, so scans
// handled by the worker reach dashboards connected to the API.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	hub     *Hub
	log     *log.Logger
}

// NewRedisRelay creates a relay. hub may be nil for publish-only processes.
func NewRedisRelay(client *redis.Client, channel string, hub *Hub, logger *log.Logger) *RedisRelay {
	if channel == "" {
		channel = "attendance:events"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		hub:     hub,
		log:     logger,
	}
}

// Publish implements attendance.Publisher. Failures are logged, never returned:
// the scan is already settled.
func (r *RedisRelay) Publish(ctx context.Context, o attendance.Outcome) {
	m := FromOutcome(o)
	m.Origin = r.origin
	data, err := json.Marshal(m)
	if err != nil {
		r.log.Printf("relay encode: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.log.Printf("relay publish: %v", err)
	}
}

// Run forwards messages from other processes into the hub until ctx is done.
// Messages this relay published are skipped; the local hub already has them.
func (r *RedisRelay) Run(ctx context.Context) error {
	if r.hub == nil {
		return fmt.Errorf("relay has no hub to forward to")
	}
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe %s: %w", r.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				r.log.Printf("relay decode: %v", err)
				continue
			}
			if m.Origin == r.origin {
				continue
			}
			r.hub.Broadcast(m)
		}
	}
}
