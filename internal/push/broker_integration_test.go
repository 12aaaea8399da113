package push

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	redis "github.com/redis/go-redis/v9"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/remote/remotetest"
)

func TestRedisSourceIntegration(t *testing.T) {
	addr := os.Getenv("KASIRINAJA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set KASIRINAJA_TEST_REDIS_ADDR to run redis integration test")
	}

	src := NewRedisSource(addr, "", 0)
	defer src.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := src.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	rec := &recorder{}
	d := NewDispatcher("outlet-a", rec, rec)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = src.Subscribe(ctx, "outlet-a", d.Handle)
	}()

	publisher := redis.NewClient(&redis.Options{Addr: addr})
	defer publisher.Close()
	payload, _ := json.Marshal(event("outlet-a", domain.EntityProduct))
	remotetest.Eventually(t, 5*time.Second, func() bool {
		_ = publisher.Publish(ctx, Channel("outlet-a"), payload).Err()
		products, _ := rec.counts()
		return products > 0
	}, "redis event never delivered")

	cancel()
	<-done
}

func TestAMQPSourceIntegration(t *testing.T) {
	url := os.Getenv("KASIRINAJA_TEST_AMQP_URL")
	if url == "" {
		t.Skip("set KASIRINAJA_TEST_AMQP_URL to run amqp integration test")
	}

	src := NewAMQPSource(url, "terminal-test")
	rec := &recorder{}
	d := NewDispatcher("outlet-a", rec, rec)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = src.Subscribe(ctx, "outlet-a", d.Handle)
	}()

	conn, err := amqp.Dial(url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		t.Fatalf("declare exchange: %v", err)
	}

	payload, _ := json.Marshal(event("outlet-a", domain.EntityHeldReceipt))
	remotetest.Eventually(t, 5*time.Second, func() bool {
		_ = ch.PublishWithContext(ctx, Exchange, "outlet.outlet-a.held_receipt", false, false, amqp.Publishing{
			ContentType: "application/json",
			Body:        payload,
		})
		_, refreshes := rec.counts()
		return refreshes > 0
	}, "amqp event never delivered")

	cancel()
	<-done
}
