package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// Enabled when SKILLSYNC_TEST_REDIS_URL is set (e.g. redis://localhost:6379/15).
func mustClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("SKILLSYNC_TEST_REDIS_URL")
	if url == "" {
		t.Skip("SKILLSYNC_TEST_REDIS_URL not set; skipping redis integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := New(ctx, url)
	if err != nil {
		t.Fatalf("redis connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisWindow_RegisterSeenExpire(t *testing.T) {
	c := mustClient(t)
	ctx := context.Background()
	key := "it-" + uuid.NewString()

	ok, err := c.Register(ctx, key, 300*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first Register = %v, %v", ok, err)
	}
	ok, err = c.Register(ctx, key, 300*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("second Register = %v, %v; want false, nil", ok, err)
	}
	if seen, err := c.Seen(ctx, key); err != nil || !seen {
		t.Fatalf("Seen = %v, %v", seen, err)
	}

	time.Sleep(500 * time.Millisecond)
	if seen, _ := c.Seen(ctx, key); seen {
		t.Fatal("key survived its ttl")
	}
	if ok, _ := c.Register(ctx, key, time.Second); !ok {
		t.Fatal("expired key must be registrable again")
	}
	if err := c.Release(ctx, key); err != nil {
		t.Fatal(err)
	}
	if seen, _ := c.Seen(ctx, key); seen {
		t.Fatal("released key still seen")
	}
}

func TestNew_BadURL(t *testing.T) {
	if _, err := New(context.Background(), "://nope"); err == nil {
		t.Fatal("expected parse error")
	}
}
