package matchmake

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/park285/QuizDuel-KakaoTalk-bot/internal/duel"
	"github.com/redis/go-redis/v9"
)

func newTestManager(t *testing.T) (*Manager, *duel.Store, *clockwork.FakeClock) {
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
	return NewManager(store, 2*time.Minute), store, fc
}

func TestCreateTicketOnePerUser(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateTicket(ctx, "u1", "one", "room", 3); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	if _, err := m.CreateTicket(ctx, "u1", "one", "room", 3); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}
}

func TestFindAvailableTicketSkipsOwnAndStale(t *testing.T) {
	m, _, fc := newTestManager(t)
	ctx := context.Background()

	mine, err := m.CreateTicket(ctx, "u1", "one", "room", 3)
	if err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}

	// own ticket is never offered back
	got, err := m.FindAvailableTicket(ctx, "u1")
	if err != nil || got != nil {
		t.Fatalf("own ticket offered: %v, %v", got, err)
	}

	got, err = m.FindAvailableTicket(ctx, "u2")
	if err != nil || got == nil || got.ID != mine.ID {
		t.Fatalf("expected ticket %d, got %v, %v", mine.ID, got, err)
	}

	// past the TTL the ticket goes stale
	fc.Advance(3 * time.Minute)
	got, err = m.FindAvailableTicket(ctx, "u2")
	if err != nil || got != nil {
		t.Fatalf("stale ticket offered: %v, %v", got, err)
	}
}

func TestFindAvailableTicketPicksOldest(t *testing.T) {
	m, _, fc := newTestManager(t)
	ctx := context.Background()

	first, err := m.CreateTicket(ctx, "u1", "one", "room", 3)
	if err != nil {
		t.Fatalf("CreateTicket u1: %v", err)
	}
	fc.Advance(10 * time.Second)
	if _, err := m.CreateTicket(ctx, "u2", "two", "room", 3); err != nil {
		t.Fatalf("CreateTicket u2: %v", err)
	}

	got, err := m.FindAvailableTicket(ctx, "u3")
	if err != nil || got == nil || got.ID != first.ID {
		t.Fatalf("expected oldest ticket %d, got %v, %v", first.ID, got, err)
	}
}

func TestAcceptRaceSingleWinner(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	ticket, err := m.CreateTicket(ctx, "u1", "one", "room", 3)
	if err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	d, err := m.Accept(ctx, ticket.ID, "u2", "two")
	if err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if d.Status != duel.StatusMatched || d.OpponentID != "u2" {
		t.Fatalf("bad matched state: %+v", d)
	}
	if _, err := m.Accept(ctx, ticket.ID, "u3", "three"); !errors.Is(err, duel.ErrDuelUnavailable) {
		t.Fatalf("expected ErrDuelUnavailable for loser, got %v", err)
	}
}

func TestAcceptRejectsSelf(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	ticket, err := m.CreateTicket(ctx, "u1", "one", "room", 3)
	if err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	if _, err := m.Accept(ctx, ticket.ID, "u1", "one"); !errors.Is(err, ErrSelfMatch) {
		t.Fatalf("expected ErrSelfMatch, got %v", err)
	}
}

func TestInviteBindsTarget(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	inv, err := m.CreateInvite(ctx, "u1", "one", "room", 3, "u2", "two")
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	if _, err := m.Accept(ctx, inv.ID, "u3", "three"); !errors.Is(err, ErrNotInvited) {
		t.Fatalf("expected ErrNotInvited, got %v", err)
	}
	d, err := m.Accept(ctx, inv.ID, "u2", "two")
	if err != nil || d.Status != duel.StatusMatched {
		t.Fatalf("target accept failed: %v %+v", err, d)
	}
}

func TestInviteNotListedForMatchmaking(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.CreateInvite(ctx, "u1", "one", "room", 3, "u2", "two"); err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	got, err := m.FindAvailableTicket(ctx, "u3")
	if err != nil || got != nil {
		t.Fatalf("invite offered to random matchmaking: %v, %v", got, err)
	}
}

func TestAcceptByCode(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	ticket, err := m.CreateTicket(ctx, "u1", "one", "room", 3)
	if err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	d, err := m.AcceptByCode(ctx, ticket.JoinCode, "u2", "two")
	if err != nil || d.ID != ticket.ID {
		t.Fatalf("AcceptByCode: %v %+v", err, d)
	}
	if _, err := m.AcceptByCode(ctx, "000000", "u3", "x"); !errors.Is(err, duel.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown code, got %v", err)
	}
}

func TestCleanupStaleCancelsExpired(t *testing.T) {
	m, store, fc := newTestManager(t)
	ctx := context.Background()

	ticket, err := m.CreateTicket(ctx, "u1", "one", "room", 3)
	if err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	fc.Advance(3 * time.Minute)

	n, err := m.CleanupStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("CleanupStale = %d, %v", n, err)
	}
	got, _ := store.Get(ctx, ticket.ID)
	if got.Status != duel.StatusCancelled {
		t.Fatalf("stale ticket not cancelled: %s", got.Status)
	}

	// second pass is a no-op
	n, err = m.CleanupStale(ctx)
	if err != nil || n != 0 {
		t.Fatalf("redundant cleanup = %d, %v", n, err)
	}
}
