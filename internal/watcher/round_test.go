package watcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/duel"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/matchmake"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/signalbus"
	"github.com/redis/go-redis/v9"
)

type stubBank struct{}

func (stubBank) Next(_ context.Context, _ int64, roundNumber int) (*duel.Question, error) {
	return &duel.Question{
		ID:        int64(100 + roundNumber),
		Text:      "q",
		OptionIDs: []int64{1, 2, 3, 4},
		CorrectID: 2,
	}, nil
}

type fixture struct {
	engine *duel.Engine
	store  *duel.Store
	lease  *duel.DeliveryLease
	bus    *signalbus.Bus
	clock  *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	fc := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := duel.NewStoreWithClock(rdb, fc)
	return &fixture{
		engine: duel.NewEngine(store, stubBank{}, 30*time.Second),
		store:  store,
		lease:  duel.NewDeliveryLease(rdb),
		bus:    signalbus.New(rdb),
		clock:  fc,
	}
}

// dispatchedDuel creates a matched best-of-1 duel, starts it, and marks round
// 1 as dispatched at the current fake time.
func (f *fixture) dispatchedDuel(t *testing.T) *duel.Duel {
	t.Helper()
	ctx := context.Background()
	d := &duel.Duel{
		InitiatorID:   "u1",
		InitiatorName: "one",
		OpponentID:    "u2",
		OpponentName:  "two",
		Status:        duel.StatusMatched,
		RoundsToWin:   1,
		Room:          "room",
	}
	if err := f.store.Create(ctx, d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.engine.Start(ctx, d.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	out, err := f.engine.MarkDispatched(ctx, d.ID, 1)
	if err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}
	return out
}

func TestWatchExpiresRoundAndDelivers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dispatchedDuel(t)

	var calls atomic.Int32
	var gotAdv *duel.Advance
	var gotRound int
	w := NewRoundWatcher(f.engine, f.lease, f.bus, func(_ context.Context, _ *duel.Duel, closedRound int, adv *duel.Advance) {
		calls.Add(1)
		gotRound = closedRound
		gotAdv = adv
	})

	// already past the deadline, so the first poll expires synchronously
	f.clock.Advance(31 * time.Second)
	w.Watch(ctx, d.ID, 1)

	if calls.Load() != 1 {
		t.Fatalf("deliver called %d times", calls.Load())
	}
	if gotRound != 1 || gotAdv == nil || !gotAdv.Finished {
		t.Fatalf("bad delivery: round=%d adv=%+v", gotRound, gotAdv)
	}

	got, err := f.store.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	r := got.RoundByNumber(1)
	if r == nil || !r.Closed() {
		t.Fatalf("round not closed: %+v", r)
	}
	for _, side := range []duel.Side{duel.SideInitiator, duel.SideOpponent} {
		a := r.AnswerFor(side)
		if !a.Completed || a.Reason != duel.ReasonTimeout || a.AnswerID != nil || a.Score != 0 {
			t.Fatalf("bad %s timeout payload: %+v", side, a)
		}
	}
	// both sides timed out a best-of-1, so the duel ends in a draw
	if got.Status != duel.StatusFinished || got.Result == nil || got.Result.WinnerID != "" {
		t.Fatalf("duel not finished as draw: status=%s result=%+v", got.Status, got.Result)
	}

	markers, err := f.bus.Drain(ctx)
	if err != nil || markers[d.ID] == 0 {
		t.Fatalf("no change marker for duel: %v, %v", markers, err)
	}
}

func TestWatchReturnsOnceRoundCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dispatchedDuel(t)

	correct := int64(2)
	if _, err := f.engine.Submit(ctx, d.ID, "u1", &correct, false); err != nil {
		t.Fatalf("Submit u1: %v", err)
	}
	wrong := int64(3)
	if _, err := f.engine.Submit(ctx, d.ID, "u2", &wrong, false); err != nil {
		t.Fatalf("Submit u2: %v", err)
	}

	var calls atomic.Int32
	w := NewRoundWatcher(f.engine, f.lease, f.bus, func(context.Context, *duel.Duel, int, *duel.Advance) {
		calls.Add(1)
	})
	f.clock.Advance(time.Minute)
	w.Watch(ctx, d.ID, 1)
	if calls.Load() != 0 {
		t.Fatalf("watcher delivered a round it did not close")
	}
}

func TestWatchSkipsDeliveryWhenLeaseHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dispatchedDuel(t)

	if _, ok, err := f.lease.Acquire(ctx, d.ID, 1); err != nil || !ok {
		t.Fatalf("pre-acquire: ok=%v err=%v", ok, err)
	}

	var calls atomic.Int32
	w := NewRoundWatcher(f.engine, f.lease, f.bus, func(context.Context, *duel.Duel, int, *duel.Advance) {
		calls.Add(1)
	})
	f.clock.Advance(31 * time.Second)
	w.Watch(ctx, d.ID, 1)

	if calls.Load() != 0 {
		t.Fatalf("delivery ran despite a held lease")
	}
	// the state transition itself is never suppressed
	got, _ := f.store.Get(ctx, d.ID)
	if got.Status != duel.StatusFinished {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestMatchWatchExpiresStaleTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := &duel.Duel{
		InitiatorID:   "u1",
		InitiatorName: "one",
		Status:        duel.StatusWaiting,
		RoundsToWin:   1,
		Room:          "room",
		Settings:      map[string]string{duel.SettingMatchmaking: "1"},
	}
	if err := f.store.Create(ctx, d); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var expired atomic.Int32
	w := NewMatchWatcher(f.engine, f.bus, time.Minute, func(_ context.Context, got *duel.Duel) {
		expired.Add(1)
		if got.ID != d.ID {
			t.Errorf("expired wrong duel: %d", got.ID)
		}
	})
	f.clock.Advance(2 * time.Minute)
	w.Watch(ctx, d.ID)

	if expired.Load() != 1 {
		t.Fatalf("onExpire called %d times", expired.Load())
	}
	got, _ := f.store.Get(ctx, d.ID)
	if got.Status != duel.StatusCancelled {
		t.Fatalf("stale ticket status = %s", got.Status)
	}
}

// An acceptor who claims a ticket between the watcher's deadline check and
// its expiry call must win: the expiry is conditional on the duel still
// waiting, so the fresh match survives and no expiry message goes out.
func TestMatchWatchExpiryLosesToAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := matchmake.NewManager(f.store, time.Minute)
	d, err := m.CreateTicket(ctx, "u1", "one", "room", 1)
	if err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}

	var expired atomic.Int32
	w := NewMatchWatcher(f.engine, f.bus, time.Minute, func(context.Context, *duel.Duel) {
		expired.Add(1)
	})

	// ticket is past its TTL, but the accept lands first
	f.clock.Advance(2 * time.Minute)
	if _, err := m.Accept(ctx, d.ID, "u2", "two"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	w.expire(ctx, d.ID)

	got, err := f.store.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != duel.StatusMatched {
		t.Fatalf("fresh match lost to stale expiry: status = %s", got.Status)
	}
	if got.OpponentID != "u2" {
		t.Fatalf("opponent = %q", got.OpponentID)
	}
	if expired.Load() != 0 {
		t.Fatalf("onExpire fired for a matched duel")
	}
}

func TestMatchWatchReturnsWhenMatched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := &duel.Duel{
		InitiatorID: "u1",
		OpponentID:  "u2",
		Status:      duel.StatusMatched,
		RoundsToWin: 1,
		Room:        "room",
	}
	if err := f.store.Create(ctx, d); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var expired atomic.Int32
	w := NewMatchWatcher(f.engine, f.bus, time.Minute, func(context.Context, *duel.Duel) {
		expired.Add(1)
	})
	f.clock.Advance(2 * time.Minute)
	w.Watch(ctx, d.ID)
	if expired.Load() != 0 {
		t.Fatalf("matched duel expired")
	}
}
