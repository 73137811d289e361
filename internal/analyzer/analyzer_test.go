package analyzer

import (
	"testing"
	"time"

	"github.com/marcelscruz/open-gt/internal/protocol"
)

// fakeClock lets tests advance time deterministically without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestAnalyzer() (*Analyzer, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	a := New(nil)
	a.now = clock.now
	return a, clock
}

func baseFrame() protocol.Frame {
	return protocol.Frame{
		OnTrack:      true,
		CarCode:      100,
		LapCount:     1,
		TotalLaps:    5,
		FuelLevel:    40.0,
		FuelCapacity: 100.0,
		BestLapMs:    -1,
		LastLapMs:    -1,
	}
}

func TestFirstOnTrackFrameStartsSession(t *testing.T) {
	a, _ := newTestAnalyzer()
	a.Feed(baseFrame())
	snap := a.Snapshot()
	if !snap.OnTrack {
		t.Fatal("expected onTrack true")
	}
	if snap.CarCode != 100 {
		t.Fatalf("expected car code 100, got %d", snap.CarCode)
	}
}

func TestNewRaceOnCarCodeChange(t *testing.T) {
	a, clock := newTestAnalyzer()
	a.Feed(baseFrame())
	clock.advance(time.Second)

	f2 := baseFrame()
	f2.CarCode = 200
	a.Feed(f2)

	snap := a.Snapshot()
	if snap.CarCode != 200 {
		t.Fatalf("expected reset to new car code, got %d", snap.CarCode)
	}
}

func TestRecentLapTimesCappedAtFive(t *testing.T) {
	a, clock := newTestAnalyzer()
	f := baseFrame()
	a.Feed(f)

	for lap := 2; lap <= 8; lap++ {
		clock.advance(time.Second)
		f.LapCount = lap
		f.LastLapMs = int32(90000 + lap)
		a.Feed(f)
	}

	snap := a.Snapshot()
	if len(snap.RecentLapTimes) > 5 {
		t.Fatalf("expected recentLapTimes len <= 5, got %d", len(snap.RecentLapTimes))
	}
}

func TestLapDeltaOnlyWhenBothPositive(t *testing.T) {
	a, clock := newTestAnalyzer()
	f := baseFrame()
	f.BestLapMs = -1
	f.LastLapMs = -1
	a.Feed(f)

	clock.advance(time.Second)
	f.LapCount = 2
	f.LastLapMs = 102350
	f.BestLapMs = -1 // still unset
	a.Feed(f)

	snap := a.Snapshot()
	if snap.LapDelta != 0 {
		t.Fatalf("expected zero delta when best lap unset, got %d", snap.LapDelta)
	}
}

func TestLapDeltaComputedScenarioE(t *testing.T) {
	a, clock := newTestAnalyzer()
	f := baseFrame()
	a.Feed(f)

	clock.advance(time.Second)
	f.LapCount = 2
	f.LastLapMs = 102350
	f.BestLapMs = 101823
	a.Feed(f)

	snap := a.Snapshot()
	if snap.LapDelta != 527 {
		t.Fatalf("expected delta 527ms, got %d", snap.LapDelta)
	}
}

func TestFuelDeterminedOnScenarioB(t *testing.T) {
	a, clock := newTestAnalyzer()
	f := baseFrame()
	f.FuelLevel = 40.0
	a.Feed(f)

	// At t=5s fuel has dropped, usage should be detected "on".
	clock.advance(5 * time.Second)
	f.FuelLevel = 39.8
	a.Feed(f)

	snap := a.Snapshot()
	if snap.FuelDetermined != protocol.FuelOn {
		t.Fatalf("expected fuel determined on, got %v", snap.FuelDetermined)
	}
}

func TestFuelDeterminedOffScenarioC(t *testing.T) {
	a, clock := newTestAnalyzer()
	f := baseFrame()
	f.FuelLevel = 40.0
	a.Feed(f)

	for _, sec := range []int{5, 10, 15, 20, 25, 30} {
		clock.t = time.Unix(1700000000, 0).Add(time.Duration(sec) * time.Second)
		a.Feed(f) // fuel level never changes
	}

	snap := a.Snapshot()
	if snap.FuelDetermined != protocol.FuelOff {
		t.Fatalf("expected fuel determined off, got %v", snap.FuelDetermined)
	}
	if snap.FuelBurnRate != 0 {
		t.Fatalf("expected burn rate 0, got %v", snap.FuelBurnRate)
	}
	if snap.EstLapsRemain != protocol.InfiniteLaps {
		t.Fatalf("expected +Inf estimated laps, got %v", snap.EstLapsRemain)
	}
}

func TestFuelDeterminedNeverRevertsOnceSet(t *testing.T) {
	a, clock := newTestAnalyzer()
	f := baseFrame()
	a.Feed(f)

	clock.advance(5 * time.Second)
	f.FuelLevel = 39.0 // triggers "on"
	a.Feed(f)

	clock.advance(30 * time.Second)
	f.FuelLevel = 39.0 // flat afterwards, must not flip to "off"
	a.Feed(f)

	if a.Snapshot().FuelDetermined != protocol.FuelOn {
		t.Fatal("fuel determined flag must not revert from on")
	}
}

func TestTyreTempHighBoundaryExactly100NotAboveThreshold(t *testing.T) {
	// The analyzer itself doesn't gate on the 100C threshold (the callout
	// engine does); this just verifies temps pass through unmodified at
	// the boundary so the downstream rule can apply strict '>'.
	a, _ := newTestAnalyzer()
	f := baseFrame()
	f.TyreTempFL = 100.0
	a.Feed(f)
	snap := a.Snapshot()
	if snap.TyreTemps[0] != 100.0 {
		t.Fatalf("expected exact passthrough of 100.0, got %v", snap.TyreTemps[0])
	}
}

func TestPaceTrendFewerThanThreeLapsIsConsistent(t *testing.T) {
	a, clock := newTestAnalyzer()
	f := baseFrame()
	a.Feed(f)
	clock.advance(time.Second)
	f.LapCount = 2
	f.LastLapMs = 90000
	a.Feed(f)

	if a.Snapshot().PaceTrend != protocol.TrendConsistent {
		t.Fatal("expected consistent trend with fewer than 3 laps")
	}
}

func TestPauseDoesNotResetState(t *testing.T) {
	a, clock := newTestAnalyzer()
	f := baseFrame()
	a.Feed(f)

	clock.advance(time.Second)
	paused := f
	paused.OnTrack = false
	a.Feed(paused)

	clock.advance(time.Second)
	resumed := f
	resumed.LapCount = 1 // same as before, no reset predicate triggered
	a.Feed(resumed)

	if a.Snapshot().CarCode != 100 {
		t.Fatal("expected state preserved across pause/resume")
	}
}

func TestLapCompleteCallbackFires(t *testing.T) {
	var called bool
	var gotSnap protocol.Snapshot
	a := New(func(s protocol.Snapshot) {
		called = true
		gotSnap = s
	})
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	a.now = clock.now

	f := baseFrame()
	a.Feed(f)
	clock.advance(time.Second)
	f.LapCount = 2
	f.LastLapMs = 95000
	a.Feed(f)

	if !called {
		t.Fatal("expected onLapComplete to fire")
	}
	if gotSnap.LapCount != 2 {
		t.Fatalf("expected callback snapshot to reflect new lap, got %d", gotSnap.LapCount)
	}
}
