package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/openkoi/koi/internal/common/cache"
)

func newTestCache(t *testing.T) (*miniredis.Miniredis, cache.Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestQueueFIFO(t *testing.T) {
	_, c := newTestCache(t)
	q := NewJobQueueWithTimeout(c, 100*time.Millisecond)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		if err := q.Push(ctx, id); err != nil {
			t.Fatalf("push %d: %v", id, err)
		}
	}

	n, err := q.Len(ctx)
	if err != nil || n != 3 {
		t.Fatalf("expected length 3, got %d (%v)", n, err)
	}

	for _, want := range []int64{1, 2, 3} {
		got, ok, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if !ok || got != want {
			t.Fatalf("expected %d, got %d (ok=%v)", want, got, ok)
		}
	}
}

func TestQueuePopTimesOutEmpty(t *testing.T) {
	_, c := newTestCache(t)
	q := NewJobQueueWithTimeout(c, 50*time.Millisecond)

	_, ok, err := q.Pop(context.Background())
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if ok {
		t.Fatalf("empty queue must time out without a value")
	}
}

func TestQueuePopRejectsMalformedEntry(t *testing.T) {
	mr, c := newTestCache(t)
	if _, err := mr.Lpush("judge:queue", "not-a-number"); err != nil {
		t.Fatalf("seed queue: %v", err)
	}
	q := NewJobQueueWithTimeout(c, 50*time.Millisecond)

	_, _, err := q.Pop(context.Background())
	if err == nil {
		t.Fatalf("malformed entry must error")
	}
}

func TestQueueKeyShape(t *testing.T) {
	mr, c := newTestCache(t)
	q := NewJobQueue(c)

	if err := q.Push(context.Background(), 42); err != nil {
		t.Fatalf("push: %v", err)
	}
	values, err := mr.List("judge:queue")
	if err != nil {
		t.Fatalf("read list: %v", err)
	}
	if len(values) != 1 || values[0] != "42" {
		t.Fatalf("expected [42] under judge:queue, got %v", values)
	}
}
