package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/openkoi/koi/internal/common/cache"
	pkgerrors "github.com/openkoi/koi/pkg/errors"
)

const (
	// queueKey is the Redis list backing the judge queue. Producers LPUSH
	// submission ids on the left, workers BRPOP from the right, so entries
	// come out in FIFO order.
	queueKey = "judge:queue"

	// defaultPopTimeout bounds each blocking pop so workers notice
	// shutdown within one poll cycle.
	defaultPopTimeout = 5 * time.Second
)

// JobQueue hands submission ids from the API to the judge workers.
type JobQueue interface {
	// Push enqueues a submission for judging.
	Push(ctx context.Context, submissionID int64) error

	// Pop blocks up to the pop timeout for the next submission id.
	// ok is false when the timeout elapsed with an empty queue.
	Pop(ctx context.Context) (submissionID int64, ok bool, err error)

	// Len reports how many submissions are waiting.
	Len(ctx context.Context) (int64, error)
}

// RedisJobQueue implements JobQueue on a Redis list.
type RedisJobQueue struct {
	cache      cache.Cache
	popTimeout time.Duration
}

// NewJobQueue creates a queue with the default pop timeout.
func NewJobQueue(cacheClient cache.Cache) *RedisJobQueue {
	return NewJobQueueWithTimeout(cacheClient, defaultPopTimeout)
}

// NewJobQueueWithTimeout creates a queue with a custom pop timeout.
func NewJobQueueWithTimeout(cacheClient cache.Cache, popTimeout time.Duration) *RedisJobQueue {
	if popTimeout <= 0 {
		popTimeout = defaultPopTimeout
	}
	return &RedisJobQueue{cache: cacheClient, popTimeout: popTimeout}
}

func (q *RedisJobQueue) Push(ctx context.Context, submissionID int64) error {
	if err := q.cache.LPush(ctx, queueKey, strconv.FormatInt(submissionID, 10)); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.QueuePushFailed, "enqueue submission %d", submissionID)
	}
	return nil
}

func (q *RedisJobQueue) Pop(ctx context.Context) (int64, bool, error) {
	raw, err := q.cache.BRPop(ctx, q.popTimeout, queueKey)
	if err != nil {
		return 0, false, pkgerrors.Wrapf(err, pkgerrors.QueuePopFailed, "pop judge queue")
	}
	if raw == "" {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, pkgerrors.Wrapf(err, pkgerrors.QueuePopFailed, "malformed queue entry %q", raw)
	}
	return id, true, nil
}

func (q *RedisJobQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.cache.LLen(ctx, queueKey)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, pkgerrors.QueuePopFailed, "judge queue length")
	}
	return n, nil
}
