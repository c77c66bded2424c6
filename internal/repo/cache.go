package repo

import (
	"context"
	"errors"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/payledger/internal/model"
)

func eventCacheKey(eventID string) string { return "payledger:event:" + eventID }

// CacheEventSucceeded remembers a succeeded event so replays can skip the
// journal round trip. The journal stays the source of truth; the cache only
// ever holds the absorbing state.
func (r *Repository) CacheEventSucceeded(ctx context.Context, eventID string) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Set(ctx, eventCacheKey(eventID), model.EventSucceeded, r.opts.EventTTL).Err()
}

// EventCachedSucceeded reports whether eventID is cached as succeeded.
func (r *Repository) EventCachedSucceeded(ctx context.Context, eventID string) (bool, error) {
	if r.rdb == nil {
		return false, nil
	}
	val, err := r.rdb.Get(ctx, eventCacheKey(eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == model.EventSucceeded, nil
}
