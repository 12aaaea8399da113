package push

import (
	"context"
	"errors"
	"log"

	redis "github.com/redis/go-redis/v9"
)

type RedisSource struct {
	client *redis.Client
}

func NewRedisSource(addr string, password string, db int) *RedisSource {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisSource{client: client}
}

// Channel is the Pub/Sub channel the backend publishes an outlet's events on.
func Channel(outletID string) string {
	return "pos:outlet:" + outletID + ":events"
}

func (s *RedisSource) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSource) Close() error {
	return s.client.Close()
}

func (s *RedisSource) Subscribe(ctx context.Context, outletID string, handler Handler) error {
	return reconnect(ctx, DriverRedis, func(ctx context.Context) error {
		return s.session(ctx, outletID, handler)
	})
}

func (s *RedisSource) session(ctx context.Context, outletID string, handler Handler) error {
	ps := s.client.Subscribe(ctx, Channel(outletID))
	defer ps.Close()

	// Receive blocks until the subscription is confirmed.
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			ev, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				log.Printf("[push] WARN: dropping malformed redis event on %s: %v", msg.Channel, err)
				continue
			}
			handler(ctx, ev)
		}
	}
}
