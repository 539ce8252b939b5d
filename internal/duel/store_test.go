package duel

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *clockwork.FakeClock) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	fc := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewStoreWithClock(rdb, fc), fc
}

func TestCreateAssignsIDAndJoinCode(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	d := &Duel{InitiatorID: "u1", InitiatorName: "one", RoundsToWin: 3}
	if err := s.Create(ctx, d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.ID <= 0 {
		t.Fatalf("expected positive id, got %d", d.ID)
	}
	if len(d.JoinCode) != 6 {
		t.Fatalf("expected 6-digit join code, got %q", d.JoinCode)
	}
	if d.Status != StatusWaiting {
		t.Fatalf("expected waiting status, got %s", d.Status)
	}

	got, err := s.GetByCode(ctx, d.JoinCode)
	if err != nil || got == nil {
		t.Fatalf("GetByCode: %v, %v", got, err)
	}
	if got.ID != d.ID {
		t.Fatalf("code resolves to %d, want %d", got.ID, d.ID)
	}
}

func TestUpdateMutatesAndBumpsUpdatedAt(t *testing.T) {
	s, fc := newTestStore(t)
	ctx := context.Background()

	d := &Duel{InitiatorID: "u1"}
	if err := s.Create(ctx, d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	created := d.UpdatedAt

	fc.Advance(5 * time.Second)
	out, err := s.Update(ctx, d.ID, func(cur *Duel) error {
		cur.OpponentID = "u2"
		cur.Status = StatusMatched
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if out.OpponentID != "u2" || out.Status != StatusMatched {
		t.Fatalf("mutation not applied: %+v", out)
	}
	if !out.UpdatedAt.After(created) {
		t.Fatalf("updated_at not bumped: %v vs %v", out.UpdatedAt, created)
	}
}

func TestUpdateErrorAbortsWrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	d := &Duel{InitiatorID: "u1"}
	if err := s.Create(ctx, d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Update(ctx, d.ID, func(cur *Duel) error {
		cur.OpponentID = "u2"
		return ErrDuelUnavailable
	}); err != ErrDuelUnavailable {
		t.Fatalf("expected ErrDuelUnavailable, got %v", err)
	}
	got, _ := s.Get(ctx, d.ID)
	if got.OpponentID != "" {
		t.Fatalf("aborted update leaked a write: %+v", got)
	}
}

func TestTerminalStateFreesJoinCode(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	d := &Duel{InitiatorID: "u1"}
	if err := s.Create(ctx, d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Update(ctx, d.ID, func(cur *Duel) error {
		cur.Status = StatusCancelled
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := s.GetByCode(ctx, d.JoinCode)
	if err != nil {
		t.Fatalf("GetByCode: %v", err)
	}
	if got != nil {
		t.Fatalf("terminal duel still resolvable by code")
	}
}

func TestWaitingIndexTracksMatchmakingTickets(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	d := &Duel{InitiatorID: "u1", Settings: map[string]string{SettingMatchmaking: "1"}}
	if err := s.Create(ctx, d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ids, err := s.WaitingIDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != d.ID {
		t.Fatalf("WaitingIDs = %v, %v", ids, err)
	}

	if _, err := s.Update(ctx, d.ID, func(cur *Duel) error {
		cur.Status = StatusMatched
		cur.OpponentID = "u2"
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	ids, _ = s.WaitingIDs(ctx)
	if len(ids) != 0 {
		t.Fatalf("matched duel still in waiting index: %v", ids)
	}
}

func TestActiveIndexTracksLiveDuels(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a := &Duel{InitiatorID: "u1"}
	b := &Duel{InitiatorID: "u2", OpponentID: "u3", Status: StatusMatched}
	for _, d := range []*Duel{a, b} {
		if err := s.Create(ctx, d); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	ids, err := s.ActiveIDs(ctx)
	if err != nil || len(ids) != 2 {
		t.Fatalf("ActiveIDs = %v, %v", ids, err)
	}

	if _, err := s.Update(ctx, a.ID, func(cur *Duel) error {
		cur.Status = StatusCancelled
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	ids, _ = s.ActiveIDs(ctx)
	if len(ids) != 1 || ids[0] != b.ID {
		t.Fatalf("terminal duel still in active index: %v", ids)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s, _ := newTestStore(t)
	d, err := s.Get(context.Background(), 424242)
	if err != nil || d != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", d, err)
	}
}
