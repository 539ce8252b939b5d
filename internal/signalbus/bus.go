// Package signalbus carries "duel X changed now" markers from API handlers
// and watchers to the realtime gateway. One marker key per duel holding a
// monotonic version; create-or-replace writes, read-and-delete drains. Only
// existence and latest version matter, not ordering, so many producers and a
// single consumer need no locking.
package signalbus

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	markerPrefix = "duel:signal:"
	markerTTL    = time.Minute
)

type Bus struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Bus { return &Bus{rdb: rdb} }

func markerKey(duelID int64) string {
	return markerPrefix + strconv.FormatInt(duelID, 10)
}

// Notify marks a duel as changed. The version token is a nanosecond
// timestamp; replacing a pending marker is fine since the gateway only needs
// the latest.
func (b *Bus) Notify(ctx context.Context, duelID int64) error {
	v := time.Now().UnixNano()
	return b.rdb.Set(ctx, markerKey(duelID), v, markerTTL).Err()
}

// Drain consumes every pending marker and returns duel id → version. Markers
// written mid-drain survive to the next tick; GetDel never loses a concurrent
// replacement's key entirely, and a lost version bump only delays one push by
// one fast-poll interval.
func (b *Bus) Drain(ctx context.Context) (map[int64]int64, error) {
	out := map[int64]int64{}
	var cursor uint64
	for {
		keys, next, err := b.rdb.Scan(ctx, cursor, markerPrefix+"*", 64).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			raw, gerr := b.rdb.GetDel(ctx, key).Result()
			if gerr == redis.Nil {
				continue
			}
			if gerr != nil {
				return nil, gerr
			}
			id, perr := strconv.ParseInt(strings.TrimPrefix(key, markerPrefix), 10, 64)
			if perr != nil {
				continue
			}
			if v, verr := strconv.ParseInt(raw, 10, 64); verr == nil && v > out[id] {
				out[id] = v
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}
