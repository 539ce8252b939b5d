package duel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DeliveryLease is the single-flight guard around side-effectful delivery
// (round results, next question). The state transition itself is never
// guarded — only the delivery step. The lease self-expires so a crashed
// holder cannot wedge a round.
type DeliveryLease struct {
	rdb *redis.Client
	ttl time.Duration
}

const defaultLeaseTTL = 15 * time.Second

func NewDeliveryLease(rdb *redis.Client) *DeliveryLease {
	return &DeliveryLease{rdb: rdb, ttl: defaultLeaseTTL}
}

func leaseKey(duelID int64, roundNumber int) string {
	return fmt.Sprintf("duel:lease:%d:%d", duelID, roundNumber)
}

// Acquire tries to claim delivery for one round, non-blocking. Losers must
// skip delivery entirely rather than retry; the winner's delivery covers
// both participants.
func (l *DeliveryLease) Acquire(ctx context.Context, duelID int64, roundNumber int) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = l.rdb.SetNX(ctx, leaseKey(duelID, roundNumber), token, l.ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// Release frees the lease if we still hold it. A lease that expired and was
// re-acquired by someone else is left alone.
func (l *DeliveryLease) Release(ctx context.Context, duelID int64, roundNumber int, token string) error {
	key := leaseKey(duelID, roundNumber)
	err := l.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if err == redis.Nil || (err == nil && cur != token) {
			return nil
		}
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Del(ctx, key)
		_, perr := pipe.Exec(ctx)
		return perr
	}, key)
	if err == redis.TxFailedErr {
		return nil
	}
	return err
}
