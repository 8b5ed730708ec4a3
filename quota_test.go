package server

import (
	"testing"
	"time"
)

func testParams() QuotaParams {
	return QuotaParams{Interval: 20 * time.Second, Base: 100, Scale: 100}
}

func TestReplenishCreditsWholeTicksOnly(t *testing.T) {
	params := testParams()
	start := time.Unix(1000, 0)
	state := QuotaState{Pixels: 10, LastTicked: start}

	state = params.Replenish(state, start.Add(59*time.Second))

	if state.Pixels != 12 {
		t.Fatalf("expected 2 whole ticks to credit 2 pixels, got %d", state.Pixels)
	}
	if !state.LastTicked.Equal(start.Add(40 * time.Second)) {
		t.Fatalf("expected LastTicked to advance by exactly 40s, got %v", state.LastTicked)
	}
}

func TestReplenishNeverSnapsToNow(t *testing.T) {
	// The 19s remainder must survive consecutive reads: two reads 59s and
	// 61s after the epoch see 2 then 3 ticks in total, not 2 then 2.
	params := testParams()
	start := time.Unix(1000, 0)
	state := QuotaState{Pixels: 0, LastTicked: start}

	state = params.Replenish(state, start.Add(59*time.Second))
	state = params.Replenish(state, start.Add(61*time.Second))

	if state.Pixels != 3 {
		t.Fatalf("expected 3 pixels after 61s, got %d", state.Pixels)
	}
}

func TestReplenishCapsAtMaxPixels(t *testing.T) {
	params := testParams()
	start := time.Unix(1000, 0)
	state := QuotaState{Pixels: 99, Placed: 250, LastTicked: start}

	state = params.Replenish(state, start.Add(24*time.Hour))

	// 250 lifetime placements grow the cap to 102.
	if state.Pixels != 102 {
		t.Fatalf("expected cap at 102, got %d", state.Pixels)
	}
}

func TestReplenishInitializesZeroTimestamp(t *testing.T) {
	params := testParams()
	now := time.Unix(5000, 0)

	state := params.Replenish(QuotaState{Pixels: 7}, now)

	if state.Pixels != 7 {
		t.Fatalf("expected no credit on first sighting, got %d", state.Pixels)
	}
	if !state.LastTicked.Equal(now) {
		t.Fatalf("expected LastTicked initialized to now, got %v", state.LastTicked)
	}
}

func TestClampTruncatesToAllowance(t *testing.T) {
	state := QuotaState{Pixels: 3}

	if got := state.Clamp(10); got != 3 {
		t.Fatalf("expected clamp to 3, got %d", got)
	}
	if got := state.Clamp(2); got != 2 {
		t.Fatalf("expected clamp to pass 2 through, got %d", got)
	}
	if got := state.Clamp(-1); got != 0 {
		t.Fatalf("expected negative request to clamp to 0, got %d", got)
	}
}

func TestSpendNeverGoesNegative(t *testing.T) {
	state := QuotaState{Pixels: 2, Placed: 10}

	state = state.Spend(5)

	if state.Pixels != 0 {
		t.Fatalf("expected allowance floor of 0, got %d", state.Pixels)
	}
	if state.Placed != 12 {
		t.Fatalf("expected placed to grow by the spent amount only, got %d", state.Placed)
	}
}

func TestQuotaMonotonicityUnderMixedOperations(t *testing.T) {
	params := testParams()
	start := time.Unix(0, 0)
	state := QuotaState{Pixels: 100, LastTicked: start}
	now := start

	for i := 0; i < 500; i++ {
		now = now.Add(7 * time.Second)
		state = params.Replenish(state, now)
		state = state.Spend(i % 5)

		max := params.MaxPixels(state.Placed)
		if state.Pixels < 0 || state.Pixels > max {
			t.Fatalf("iteration %d: pixels %d outside [0,%d]", i, state.Pixels, max)
		}
	}
}
