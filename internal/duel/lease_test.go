package duel

import (
	"context"
	"testing"
)

func TestLeaseSingleFlight(t *testing.T) {
	s, _ := newTestStore(t)
	l := NewDeliveryLease(s.Redis())
	ctx := context.Background()

	token, ok, err := l.Acquire(ctx, 7, 1)
	if err != nil || !ok || token == "" {
		t.Fatalf("first acquire: ok=%v token=%q err=%v", ok, token, err)
	}
	_, ok, err = l.Acquire(ctx, 7, 1)
	if err != nil || ok {
		t.Fatalf("second acquire should lose: ok=%v err=%v", ok, err)
	}

	// different round is an independent lease
	_, ok, err = l.Acquire(ctx, 7, 2)
	if err != nil || !ok {
		t.Fatalf("acquire for another round: ok=%v err=%v", ok, err)
	}

	if err := l.Release(ctx, 7, 1, token); err != nil {
		t.Fatalf("Release: %v", err)
	}
	_, ok, err = l.Acquire(ctx, 7, 1)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestLeaseReleaseWithStaleToken(t *testing.T) {
	s, _ := newTestStore(t)
	l := NewDeliveryLease(s.Redis())
	ctx := context.Background()

	token, _, err := l.Acquire(ctx, 9, 1)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(ctx, 9, 1, "not-the-token"); err != nil {
		t.Fatalf("stale release errored: %v", err)
	}
	// holder's lease must still be in place
	_, ok, err := l.Acquire(ctx, 9, 1)
	if err != nil || ok {
		t.Fatalf("stale release freed a held lease: ok=%v err=%v", ok, err)
	}
	if err := l.Release(ctx, 9, 1, token); err != nil {
		t.Fatalf("owner release: %v", err)
	}
}
