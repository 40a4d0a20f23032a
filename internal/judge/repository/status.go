package repository

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/openkoi/koi/internal/common/cache"
	pkgerrors "github.com/openkoi/koi/pkg/errors"
)

const (
	// snapshotKeyPrefix holds the latest published payload per submission
	// so late subscribers can catch up without replay.
	snapshotKeyPrefix = "sub:status:"

	// channelPrefix is the pub/sub channel carrying live updates.
	channelPrefix = "submission:"

	defaultSnapshotTTL = 10 * time.Minute
)

// StatusChannel fans out judging progress to live viewers.
type StatusChannel interface {
	// Publish stores payload as the latest snapshot, then broadcasts it.
	// The snapshot write happens first so a subscriber joining between
	// the two steps still observes the message.
	Publish(ctx context.Context, submissionID int64, payload interface{}) error

	// Snapshot returns the latest published payload, if any.
	Snapshot(ctx context.Context, submissionID int64) (payload string, ok bool, err error)

	// Subscribe opens a live subscription for one submission.
	Subscribe(ctx context.Context, submissionID int64) (cache.Subscription, error)
}

// RedisStatusChannel implements StatusChannel on Redis pub/sub plus a
// TTL'd snapshot key.
type RedisStatusChannel struct {
	cache       cache.Cache
	snapshotTTL time.Duration
}

// NewStatusChannel creates a channel with the default snapshot TTL.
func NewStatusChannel(cacheClient cache.Cache) *RedisStatusChannel {
	return NewStatusChannelWithTTL(cacheClient, defaultSnapshotTTL)
}

// NewStatusChannelWithTTL creates a channel with a custom snapshot TTL.
func NewStatusChannelWithTTL(cacheClient cache.Cache, snapshotTTL time.Duration) *RedisStatusChannel {
	if snapshotTTL <= 0 {
		snapshotTTL = defaultSnapshotTTL
	}
	return &RedisStatusChannel{cache: cacheClient, snapshotTTL: snapshotTTL}
}

func (c *RedisStatusChannel) Publish(ctx context.Context, submissionID int64, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.StatusPublishFailed, "encode status for submission %d", submissionID)
	}
	if err := c.cache.Set(ctx, snapshotKey(submissionID), string(data), c.snapshotTTL); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.StatusPublishFailed, "store status snapshot for submission %d", submissionID)
	}
	if _, err := c.cache.Publish(ctx, channelName(submissionID), string(data)); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.StatusPublishFailed, "broadcast status for submission %d", submissionID)
	}
	return nil
}

func (c *RedisStatusChannel) Snapshot(ctx context.Context, submissionID int64) (string, bool, error) {
	val, err := c.cache.Get(ctx, snapshotKey(submissionID))
	if err != nil {
		return "", false, pkgerrors.Wrapf(err, pkgerrors.CacheError, "read status snapshot for submission %d", submissionID)
	}
	return val, val != "", nil
}

func (c *RedisStatusChannel) Subscribe(ctx context.Context, submissionID int64) (cache.Subscription, error) {
	sub, err := c.cache.Subscribe(ctx, channelName(submissionID))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.CacheError, "subscribe submission %d", submissionID)
	}
	return sub, nil
}

func snapshotKey(submissionID int64) string {
	return snapshotKeyPrefix + strconv.FormatInt(submissionID, 10)
}

func channelName(submissionID int64) string {
	return channelPrefix + strconv.FormatInt(submissionID, 10)
}
