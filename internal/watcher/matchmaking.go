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

// ExpireFunc notifies the initiator that their wait ran out.
type ExpireFunc func(ctx context.Context, d *duel.Duel)

// CountdownFunc updates a live remaining-time display. Optional.
type CountdownFunc func(ctx context.Context, d *duel.Duel, remaining time.Duration)

// MatchWatcher polls one waiting duel until it is matched, withdrawn, or its
// TTL elapses. Leaving the waiting state by any path is the normal exit; the
// watcher never receives an explicit cancel signal.
type MatchWatcher struct {
	engine    *duel.Engine
	bus       *signalbus.Bus
	clock     clockwork.Clock
	ttl       time.Duration
	interval  time.Duration
	onExpire  ExpireFunc
	countdown CountdownFunc
}

func NewMatchWatcher(engine *duel.Engine, bus *signalbus.Bus, ttl time.Duration, onExpire ExpireFunc) *MatchWatcher {
	return &MatchWatcher{
		engine:   engine,
		bus:      bus,
		clock:    engine.Store().Clock(),
		ttl:      ttl,
		interval: 5 * time.Second,
		onExpire: onExpire,
	}
}

func (w *MatchWatcher) SetInterval(d time.Duration) {
	if d > 0 {
		w.interval = d
	}
}

func (w *MatchWatcher) SetCountdown(fn CountdownFunc) { w.countdown = fn }

// Watch blocks until the duel leaves waiting or times out; run it in its own
// goroutine.
func (w *MatchWatcher) Watch(ctx context.Context, duelID int64) {
	for {
		d, err := w.engine.Store().Get(ctx, duelID)
		if err != nil {
			obslog.L().Warn("match_watch_load_error", zap.Int64("duel_id", duelID), zap.Error(err))
			return
		}
		if d == nil || d.Status != duel.StatusWaiting {
			return
		}
		deadline := d.CreatedAt.Add(w.ttl)
		now := w.clock.Now()
		if !now.Before(deadline) {
			w.expire(ctx, duelID)
			return
		}
		if w.countdown != nil {
			w.countdown(ctx, d, deadline.Sub(now))
		}
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(w.interval):
		}
	}
}

func (w *MatchWatcher) expire(ctx context.Context, duelID int64) {
	// the expiry is itself a conditional update: an acceptor who claimed the
	// ticket after our deadline read wins, and the rejection is the normal exit
	d, err := w.engine.ExpireWaiting(ctx, duelID)
	if err != nil {
		return
	}
	if w.bus != nil {
		_ = w.bus.Notify(ctx, duelID)
	}
	obslog.L().Info("match_ticket_expired", zap.Int64("duel_id", duelID))
	if w.onExpire != nil {
		w.onExpire(ctx, d)
	}
}
