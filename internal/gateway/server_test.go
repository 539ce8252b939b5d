package gateway

import (
	"testing"
	"time"
)

func TestShouldPushRateLimitsEveryPush(t *testing.T) {
	g := &Gateway{opts: Options{MinPushInterval: 200 * time.Millisecond}}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// a brand-new duel pushes immediately, zero-value lastPush is far behind
	st := &pushState{}
	if !g.shouldPush(st, 1, false, base) {
		t.Fatalf("first snapshot not pushed")
	}
	st.hash = 1
	st.lastPush = base

	// changed content inside the window waits, even when forced
	if g.shouldPush(st, 2, false, base.Add(50*time.Millisecond)) {
		t.Fatalf("changed snapshot pushed inside the minimum interval")
	}
	if g.shouldPush(st, 2, true, base.Add(50*time.Millisecond)) {
		t.Fatalf("forced push ignored the minimum interval")
	}

	// unchanged content never goes out unforced, regardless of elapsed time
	if g.shouldPush(st, 1, false, base.Add(time.Hour)) {
		t.Fatalf("unchanged snapshot pushed without force")
	}

	// once the window passes, both changed and forced refreshes flow
	if !g.shouldPush(st, 2, false, base.Add(200*time.Millisecond)) {
		t.Fatalf("changed snapshot suppressed past the interval")
	}
	if !g.shouldPush(st, 1, true, base.Add(200*time.Millisecond)) {
		t.Fatalf("forced refresh suppressed past the interval")
	}
}
