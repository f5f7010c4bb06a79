package sink

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisSinkPublishesToChannel(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := NewRedisSink(RedisConfig{URL: "redis://" + mr.Addr(), Channel: "lumenflow:test", Retries: 0})
	if err != nil {
		t.Fatalf("NewRedisSink: %v", err)
	}
	defer func() { _ = s.Close() }()

	sub := mr.NewSubscriber()
	defer sub.Close()
	sub.Subscribe("lumenflow:test")

	ch := make(chan miniredis.PubsubMessage, 1)
	go func() { ch <- <-sub.Messages() }()

	if err := s.Emit(context.Background(), "audit", map[string]any{"lane": "Lane A"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case msg := <-ch:
		if msg.Message == "" {
			t.Fatalf("expected a non-empty published message")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for published message")
	}
}

func TestNewRedisSinkRequiresURL(t *testing.T) {
	if _, err := NewRedisSink(RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty URL")
	}
}

func TestNewRedisSinkDefaultsChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisSink(RedisConfig{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisSink: %v", err)
	}
	if s.config.Channel != DefaultRedisChannel {
		t.Fatalf("expected default channel %q, got %q", DefaultRedisChannel, s.config.Channel)
	}
}
