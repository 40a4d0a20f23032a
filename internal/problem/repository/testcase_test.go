package repository

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

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

func TestGetTestCasesCacheHit(t *testing.T) {
	mr, c := newTestCache(t)
	cases := []TestCase{
		{ID: 11, Input: "1 2\n", ExpectedOutput: "3", Order: 1, IsHidden: false},
		{ID: 12, Input: "5 5\n", ExpectedOutput: "10", Order: 2, IsHidden: true},
	}
	if err := mr.Set("cache:testcases:7", marshalTestCases(cases)); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	repo := NewTestCaseRepository(nil, c)
	got, err := repo.GetTestCases(context.Background(), 7, false)
	if err != nil {
		t.Fatalf("get test cases: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 cases, got %d", len(got))
	}
	if got[0].ID != 11 || got[0].Order != 1 || got[0].IsHidden {
		t.Fatalf("unexpected first case: %+v", got[0])
	}
	if got[1].ExpectedOutput != "10" || !got[1].IsHidden {
		t.Fatalf("unexpected second case: %+v", got[1])
	}
}

func TestGetTestCasesCachedEmpty(t *testing.T) {
	mr, c := newTestCache(t)
	if err := mr.Set("cache:testcases:3", cache.NullCacheValue); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	repo := NewTestCaseRepository(nil, c)
	got, err := repo.GetTestCases(context.Background(), 3, false)
	if err != nil {
		t.Fatalf("get test cases: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no cases, got %d", len(got))
	}
}

func TestInvalidateDeletesCachedList(t *testing.T) {
	mr, c := newTestCache(t)
	if err := mr.Set("cache:testcases:9", marshalTestCases([]TestCase{{ID: 1, Order: 1}})); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	repo := NewTestCaseRepository(nil, c)
	if err := repo.Invalidate(context.Background(), 9); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if mr.Exists("cache:testcases:9") {
		t.Fatalf("expected cache key to be deleted")
	}
}

func TestTestCaseSerializationShape(t *testing.T) {
	payload := marshalTestCases([]TestCase{{
		ID:             4,
		ProblemID:      7,
		Input:          "in",
		ExpectedOutput: "out",
		Order:          1,
		IsHidden:       true,
	}})
	for _, key := range []string{`"id"`, `"input"`, `"expected_output"`, `"order"`, `"is_hidden"`} {
		if !strings.Contains(payload, key) {
			t.Fatalf("expected serialized list to contain %s, got %s", key, payload)
		}
	}
	if strings.Contains(payload, "problem_id") {
		t.Fatalf("problem_id must not leak into the cached list: %s", payload)
	}

	var decoded []TestCase
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded[0].ID != 4 || decoded[0].Order != 1 || !decoded[0].IsHidden {
		t.Fatalf("round trip mismatch: %+v", decoded[0])
	}
}
