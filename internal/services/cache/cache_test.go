package cache

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/gpt-tgbot-go/internal/config"
	"github.com/sirupsen/logrus"
)

func newTestCache(enabled bool) Service {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return NewCache(&config.CacheConfig{
		Enabled: enabled,
		TTL:     time.Minute,
		MaxSize: 10,
	}, log)
}

func TestCacheRoundTrip(t *testing.T) {
	c := newTestCache(true)
	ctx := context.Background()

	if _, found := c.Get(ctx, "hello", "gpt-3.5-turbo"); found {
		t.Error("expected a miss on an empty cache")
	}

	if err := c.Set(ctx, "hello", "gpt-3.5-turbo", "hi there"); err != nil {
		t.Fatalf("set: %v", err)
	}

	answer, found := c.Get(ctx, "hello", "gpt-3.5-turbo")
	if !found {
		t.Fatal("expected a hit after set")
	}
	if answer != "hi there" {
		t.Errorf("answer = %q, want %q", answer, "hi there")
	}

	// The model is part of the key.
	if _, found := c.Get(ctx, "hello", "gpt-4"); found {
		t.Error("expected a miss for a different model")
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, found := c.Get(ctx, "hello", "gpt-3.5-turbo"); found {
		t.Error("expected a miss after clear")
	}
}

func TestCacheDisabled(t *testing.T) {
	c := newTestCache(false)
	ctx := context.Background()

	if err := c.Set(ctx, "hello", "gpt-3.5-turbo", "hi there"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, found := c.Get(ctx, "hello", "gpt-3.5-turbo"); found {
		t.Error("disabled cache must never hit")
	}
}
