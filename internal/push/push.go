// Package push receives real-time change events from the backend. Delivery is
// best-effort: the pollers stay the correctness backstop and push only cuts
// latency.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/metrics"
)

const (
	DriverNone      = "none"
	DriverWebSocket = "websocket"
	DriverRedis     = "redis"
	DriverAMQP      = "amqp"
)

type Handler func(ctx context.Context, ev domain.Event)

// Source delivers one outlet's events to handler. Subscribe blocks until ctx is
// done, reconnecting on failure.
type Source interface {
	Subscribe(ctx context.Context, outletID string, handler Handler) error
	Close() error
}

type Options struct {
	Driver        string
	URL           string
	Token         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	AMQPURL       string
	TerminalID    string
}

func New(opts Options) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverNone:
		return NoopSource{}, nil
	case DriverWebSocket:
		if opts.URL == "" {
			return nil, fmt.Errorf("push driver websocket requires PUSH_URL")
		}
		return NewWebSocketSource(opts.URL, opts.Token), nil
	case DriverRedis:
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("push driver redis requires REDIS_ADDR")
		}
		return NewRedisSource(opts.RedisAddr, opts.RedisPassword, opts.RedisDB), nil
	case DriverAMQP:
		if opts.AMQPURL == "" {
			return nil, fmt.Errorf("push driver amqp requires AMQP_URL")
		}
		return NewAMQPSource(opts.AMQPURL, opts.TerminalID), nil
	default:
		return nil, fmt.Errorf("unknown push driver %q", opts.Driver)
	}
}

// NoopSource is used when no push channel is configured.
type NoopSource struct{}

func (NoopSource) Subscribe(ctx context.Context, _ string, _ Handler) error {
	<-ctx.Done()
	return nil
}

func (NoopSource) Close() error { return nil }

// reconnect runs session until ctx is done, backing off between failed
// sessions. A session that stayed up for a while resets the backoff.
func reconnect(ctx context.Context, driver string, session func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		started := time.Now()
		err := session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			b.Reset()
		}
		metrics.PushReconnections.WithLabelValues(driver).Inc()
		wait := b.NextBackOff()
		log.Printf("[push] WARN: %s channel dropped, reconnecting in %s: %v", driver, wait.Round(time.Millisecond), err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func decodeEvent(raw []byte) (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return domain.Event{}, err
	}
	ev.Action = domain.EventAction(strings.ToUpper(string(ev.Action)))
	ev.Entity = domain.EventEntity(strings.ToLower(string(ev.Entity)))
	return ev, nil
}
