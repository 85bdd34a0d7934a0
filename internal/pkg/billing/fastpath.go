package billing

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const (
	eventReservationPrefix = "billing:event:"
	eventReservationTTL    = 24 * time.Hour
)

// RedisEventReserver is a best-effort SETNX fast path in front of the durable
// idempotency guard. Redis being down never blocks processing: errors degrade
// to "admitted" and the database unique index stays the source of truth.
type RedisEventReserver struct {
	client *redis.Client
}

// NewRedisEventReserver wraps a Redis client as an EventReserver.
func NewRedisEventReserver(client *redis.Client) *RedisEventReserver {
	return &RedisEventReserver{client: client}
}

func (r *RedisEventReserver) Reserve(eventID string) bool {
	if r.client == nil || eventID == "" {
		return true
	}
	ok, err := r.client.SetNX(context.Background(), eventReservationPrefix+eventID, 1, eventReservationTTL).Result()
	if err != nil {
		log.Warnf("[Billing] event reservation fast path unavailable: %v", err)
		return true
	}
	return ok
}

func (r *RedisEventReserver) Release(eventID string) {
	if r.client == nil || eventID == "" {
		return
	}
	if err := r.client.Del(context.Background(), eventReservationPrefix+eventID).Err(); err != nil {
		log.Warnf("[Billing] failed to release event reservation %s: %v", eventID, err)
	}
}
