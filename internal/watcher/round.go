// Package watcher holds the detached background loops that enforce
// deadlines. Watchers own no state: they poll the duel store, act through
// the lifecycle engine's idempotent operations, and exit as soon as the
// store no longer looks the way they expect.
package watcher

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/duel"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/obslog"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/signalbus"
	"go.uber.org/zap"
)

// DeliverFunc performs the side-effectful delivery after a round closes:
// round results to both participants plus either the next question or the
// final outcome. Invoked only by the lease winner.
type DeliverFunc func(ctx context.Context, d *duel.Duel, closedRound int, adv *duel.Advance)

// RoundWatcher polls one dispatched round until it closes or times out. The
// round's stored question_sent_at is the only clock origin, so restarted or
// duplicated watchers converge on the same deadline.
type RoundWatcher struct {
	engine   *duel.Engine
	lease    *duel.DeliveryLease
	bus      *signalbus.Bus
	clock    clockwork.Clock
	interval time.Duration
	deliver  DeliverFunc
}

func NewRoundWatcher(engine *duel.Engine, lease *duel.DeliveryLease, bus *signalbus.Bus, deliver DeliverFunc) *RoundWatcher {
	return &RoundWatcher{
		engine:   engine,
		lease:    lease,
		bus:      bus,
		clock:    engine.Store().Clock(),
		interval: time.Second,
		deliver:  deliver,
	}
}

// SetInterval overrides the poll cadence (tests).
func (w *RoundWatcher) SetInterval(d time.Duration) {
	if d > 0 {
		w.interval = d
	}
}

// Watch blocks until the round is resolved; run it in its own goroutine.
func (w *RoundWatcher) Watch(ctx context.Context, duelID int64, roundNumber int) {
	for {
		d, err := w.engine.Store().Get(ctx, duelID)
		if err != nil {
			obslog.L().Warn("round_watch_load_error", zap.Int64("duel_id", duelID), zap.Error(err))
			return
		}
		if d == nil || d.Status != duel.StatusInProgress {
			return
		}
		r := d.RoundByNumber(roundNumber)
		if r == nil || r.Closed() {
			return
		}
		if r.QuestionSentAt != nil {
			deadline := r.QuestionSentAt.Add(w.engine.EffectiveTimeLimit(d, r))
			if !w.clock.Now().Before(deadline) {
				w.expire(ctx, duelID, roundNumber)
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(w.interval):
		}
	}
}

// expire applies timeouts for both sides and attempts round/duel
// completion. Delivery runs only when this watcher personally closed the
// round and wins the single-flight lease.
func (w *RoundWatcher) expire(ctx context.Context, duelID int64, roundNumber int) {
	closedByUs := false
	for _, side := range []duel.Side{duel.SideInitiator, duel.SideOpponent} {
		_, closed, err := w.engine.ApplyTimeoutIfNeeded(ctx, duelID, roundNumber, side)
		if err != nil {
			obslog.L().Warn("round_timeout_error",
				zap.Int64("duel_id", duelID),
				zap.Int("round", roundNumber),
				zap.String("side", string(side)),
				zap.Error(err),
			)
			return
		}
		closedByUs = closedByUs || closed
	}
	if !closedByUs {
		closed, err := w.engine.MaybeCompleteRound(ctx, duelID, roundNumber)
		if err != nil {
			return
		}
		closedByUs = closed
	}

	adv, err := w.engine.MaybeCompleteDuel(ctx, duelID)
	if err != nil {
		obslog.L().Warn("duel_complete_error", zap.Int64("duel_id", duelID), zap.Error(err))
		return
	}
	if w.bus != nil {
		_ = w.bus.Notify(ctx, duelID)
	}
	if !closedByUs || w.deliver == nil {
		return
	}
	token, ok, err := w.lease.Acquire(ctx, duelID, roundNumber)
	if err != nil || !ok {
		// the other closer delivers for both participants
		return
	}
	defer func() { _ = w.lease.Release(ctx, duelID, roundNumber, token) }()
	w.deliver(ctx, adv.Duel, roundNumber, adv)
}
