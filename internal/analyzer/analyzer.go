// Package analyzer maintains per-session derived telemetry state: lap
// pace, fuel burn, tyre temperature trends and assist usage. It is a
// single-writer actor — only Feed mutates state; Snapshot reads through a
// lock and returns a self-consistent point-in-time copy.
package analyzer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/marcelscruz/open-gt/internal/protocol"
)

const (
	recentLapsCap  = 5
	fuelStackCap   = 32
	tyreWindow     = 5 * time.Second
	tyreTrendDelta = 3.0 // degrees C
)

// fuelCheckpoints are the elapsed-time marks, in seconds, at which usage
// detection samples the fuel level against the session start.
var fuelCheckpoints = [6]time.Duration{
	5 * time.Second, 10 * time.Second, 15 * time.Second,
	20 * time.Second, 25 * time.Second, 30 * time.Second,
}

type tyreSample struct {
	temp float32
	at   time.Time
}

// Analyzer is the stateful per-session telemetry aggregator.
type Analyzer struct {
	mu sync.RWMutex

	now           func() time.Time
	onLapComplete func(protocol.Snapshot)

	initialized bool
	carCode     int32

	prevLapCount  int
	prevBestLapMs int32
	prevFuel      float32

	sessionStartedAt    time.Time
	currentLapStartedAt time.Time
	initialFuelLevel    float32
	fuelChecked         [6]bool
	fuelDetermined      protocol.FuelDetermined

	lapFrameCount  int
	revLimiterCnt  int
	tcsCnt         int
	asmCnt         int
	maxSpeedThisLap float32

	recentLapTimes []int32
	lapStartFuel   []float32

	tyreSamples [4][]tyreSample

	// latest passthrough fields, updated every frame.
	lapCount, totalLaps   int
	lastLapMs, bestLapMs  int32
	fuelLevel, fuelCap    float32
	speedKPH              float32
	gearCurrent, gearSug  int
	onTrack               bool
}

// New creates an empty Analyzer. onLapComplete, if non-nil, is invoked
// synchronously after each lap-change's bookkeeping completes; it may call
// Snapshot to see post-change state.
func New(onLapComplete func(protocol.Snapshot)) *Analyzer {
	return &Analyzer{
		now:            time.Now,
		onLapComplete:  onLapComplete,
		fuelDetermined: protocol.FuelUndetermined,
	}
}

// Feed processes one decoded frame. Must be called in frame receive order
// by a single goroutine.
func (a *Analyzer) Feed(f protocol.Frame) {
	a.mu.Lock()

	now := a.now()

	if !f.OnTrack {
		a.onTrack = false
		a.mu.Unlock()
		return
	}

	newRace := a.detectNewRace(f)
	if newRace {
		a.resetForNewRace(f, now)
		slog.Info("analyzer detected new race", "car_code", f.CarCode)
	}

	a.onTrack = true
	a.lapCount = f.LapCount
	a.totalLaps = f.TotalLaps
	a.lastLapMs = f.LastLapMs
	a.bestLapMs = f.BestLapMs
	a.fuelLevel = f.FuelLevel
	a.fuelCap = f.FuelCapacity
	a.speedKPH = f.SpeedKPH
	a.gearCurrent = f.GearCurrent
	a.gearSug = f.GearSuggested

	a.lapFrameCount++
	if f.RevLimiter {
		a.revLimiterCnt++
	}
	if f.TCSActive {
		a.tcsCnt++
	}
	if f.ASMActive {
		a.asmCnt++
	}
	if f.SpeedKPH > a.maxSpeedThisLap {
		a.maxSpeedThisLap = f.SpeedKPH
	}

	a.pushTyreSample(0, f.TyreTempFL, now)
	a.pushTyreSample(1, f.TyreTempFR, now)
	a.pushTyreSample(2, f.TyreTempRL, now)
	a.pushTyreSample(3, f.TyreTempRR, now)

	a.checkFuelUsage(now)

	lapChanged := !newRace && a.initialized && f.LapCount != a.prevLapCount
	var snapForCallback protocol.Snapshot
	fireCallback := false
	if lapChanged {
		a.completeLap(f, now)
		if a.onLapComplete != nil {
			snapForCallback = a.snapshotLocked(now)
			fireCallback = true
		}
	}

	a.prevLapCount = f.LapCount
	a.prevBestLapMs = f.BestLapMs
	a.prevFuel = f.FuelLevel
	a.initialized = true

	a.mu.Unlock()

	if fireCallback {
		a.onLapComplete(snapForCallback)
	}
}

// detectNewRace evaluates the new-race predicates against remembered
// identity. Must be called while a.mu is held.
func (a *Analyzer) detectNewRace(f protocol.Frame) bool {
	if !a.initialized {
		return true
	}
	if f.CarCode != a.carCode {
		return true
	}
	if f.LapCount == 0 && a.prevLapCount > 0 {
		return true
	}
	if a.prevLapCount-f.LapCount > 1 {
		return true
	}
	if f.BestLapMs == -1 && a.prevBestLapMs > 0 {
		return true
	}
	if f.FuelCapacity > 0 {
		prevFrac := a.prevFuel / f.FuelCapacity
		curFrac := f.FuelLevel / f.FuelCapacity
		if curFrac >= 0.99 && prevFrac < 0.95 {
			return true
		}
	}
	return false
}

func (a *Analyzer) resetForNewRace(f protocol.Frame, now time.Time) {
	a.carCode = f.CarCode
	a.sessionStartedAt = now
	a.currentLapStartedAt = now
	a.initialFuelLevel = f.FuelLevel
	a.fuelChecked = [6]bool{}
	a.fuelDetermined = protocol.FuelUndetermined

	a.lapFrameCount = 0
	a.revLimiterCnt = 0
	a.tcsCnt = 0
	a.asmCnt = 0
	a.maxSpeedThisLap = 0

	a.recentLapTimes = nil
	a.lapStartFuel = nil
	for i := range a.tyreSamples {
		a.tyreSamples[i] = nil
	}

	a.prevLapCount = f.LapCount
	a.prevBestLapMs = f.BestLapMs
	a.prevFuel = f.FuelLevel
}

func (a *Analyzer) pushTyreSample(corner int, temp float32, now time.Time) {
	samples := append(a.tyreSamples[corner], tyreSample{temp: temp, at: now})
	cutoff := now.Add(-tyreWindow)
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	a.tyreSamples[corner] = samples[i:]
}

func (a *Analyzer) checkFuelUsage(now time.Time) {
	if a.fuelDetermined != protocol.FuelUndetermined {
		return
	}
	elapsed := now.Sub(a.sessionStartedAt)
	consumption := a.initialFuelLevel - a.fuelLevel

	for i, threshold := range fuelCheckpoints {
		if a.fuelChecked[i] || elapsed < threshold {
			continue
		}
		a.fuelChecked[i] = true
		if consumption > 0.01 {
			a.fuelDetermined = protocol.FuelOn
			return
		}
		if threshold == 30*time.Second {
			a.fuelDetermined = protocol.FuelOff
			return
		}
	}
}

func (a *Analyzer) completeLap(f protocol.Frame, now time.Time) {
	if a.lastLapMs > 0 {
		a.recentLapTimes = append(a.recentLapTimes, a.lastLapMs)
		if len(a.recentLapTimes) > recentLapsCap {
			a.recentLapTimes = a.recentLapTimes[len(a.recentLapTimes)-recentLapsCap:]
		}
	}

	a.lapStartFuel = append(a.lapStartFuel, f.FuelLevel)
	if len(a.lapStartFuel) > fuelStackCap {
		a.lapStartFuel = a.lapStartFuel[len(a.lapStartFuel)-fuelStackCap:]
	}

	a.lapFrameCount = 0
	a.revLimiterCnt = 0
	a.tcsCnt = 0
	a.asmCnt = 0
	a.maxSpeedThisLap = 0
	a.currentLapStartedAt = now
}

// burnRatePerLap implements the averaging rule over the most recent 3
// positive per-lap fuel deltas, skipping the partial out-lap interval.
func burnRatePerLap(stack []float32) float32 {
	var deltas []float32
	for i := 2; i < len(stack); i++ {
		d := stack[i-1] - stack[i]
		if d > 0 {
			deltas = append(deltas, d)
		}
	}
	if len(deltas) == 0 {
		return 0
	}
	start := 0
	if len(deltas) > 3 {
		start = len(deltas) - 3
	}
	recent := deltas[start:]
	var sum float32
	for _, d := range recent {
		sum += d
	}
	return sum / float32(len(recent))
}

func paceTrend(laps []int32) protocol.Trend {
	if len(laps) < 3 {
		return protocol.TrendConsistent
	}
	last3 := laps[len(laps)-3:]
	decreasing := last3[0] > last3[1] && last3[1] > last3[2]
	increasing := last3[0] < last3[1] && last3[1] < last3[2]
	switch {
	case decreasing:
		return protocol.TrendImproving
	case increasing:
		return protocol.TrendDegrading
	default:
		return protocol.TrendConsistent
	}
}

func tyreTrend(samples []tyreSample) protocol.Trend {
	if len(samples) < 2 {
		return protocol.TrendStable
	}
	first := samples[0].temp
	last := samples[len(samples)-1].temp
	switch {
	case last-first > tyreTrendDelta:
		return protocol.TrendRising
	case first-last > tyreTrendDelta:
		return protocol.TrendCooling
	default:
		return protocol.TrendStable
	}
}

// Snapshot returns a self-consistent, point-in-time view of derived state.
func (a *Analyzer) Snapshot() protocol.Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked(a.now())
}

func (a *Analyzer) snapshotLocked(now time.Time) protocol.Snapshot {
	s := protocol.Snapshot{
		LapCount:      a.lapCount,
		TotalLaps:     a.totalLaps,
		LastLapMs:     a.lastLapMs,
		BestLapMs:     a.bestLapMs,
		PaceTrend:     paceTrend(a.recentLapTimes),
		FuelLevel:     a.fuelLevel,
		FuelCapacity:  a.fuelCap,
		SpeedKPH:      a.speedKPH,
		TopSpeedKPH:   a.maxSpeedThisLap,
		GearCurrent:   a.gearCurrent,
		GearSuggested: a.gearSug,
		CarCode:       a.carCode,
		OnTrack:       a.onTrack,
	}

	if a.lastLapMs > 0 && a.bestLapMs > 0 {
		s.LapDelta = a.lastLapMs - a.bestLapMs
	}

	s.RecentLapTimes = append([]int32(nil), a.recentLapTimes...)

	s.FuelDetermined = a.fuelDetermined
	if a.fuelDetermined == protocol.FuelOn {
		s.FuelBurnRate = burnRatePerLap(a.lapStartFuel)
		s.EstLapsRemain = a.estimateLapsRemaining(now, s.FuelBurnRate)
	} else {
		s.FuelBurnRate = 0
		s.EstLapsRemain = protocol.InfiniteLaps
	}

	for i := 0; i < 4; i++ {
		s.TyreTrends[i] = tyreTrend(a.tyreSamples[i])
		if n := len(a.tyreSamples[i]); n > 0 {
			s.TyreTemps[i] = a.tyreSamples[i][n-1].temp
		}
	}

	if a.lapFrameCount > 0 {
		s.RevLimiterFrac = float64(a.revLimiterCnt) / float64(a.lapFrameCount)
		s.TCSFrac = float64(a.tcsCnt) / float64(a.lapFrameCount)
		s.ASMFrac = float64(a.asmCnt) / float64(a.lapFrameCount)
	}

	if a.initialized {
		s.SessionDurationMs = now.Sub(a.sessionStartedAt).Milliseconds()
	}
	s.LapStartedAtMs = a.currentLapStartedAt.UnixMilli()

	return s
}

func (a *Analyzer) estimateLapsRemaining(now time.Time, burnRate float32) float64 {
	if burnRate > 0 {
		return float64(a.fuelLevel / burnRate)
	}

	elapsed := now.Sub(a.sessionStartedAt)
	if elapsed <= 5*time.Second {
		return protocol.InfiniteLaps
	}
	consumption := a.initialFuelLevel - a.fuelLevel
	if consumption <= 0.01 {
		return protocol.InfiniteLaps
	}

	var referenceLapMs int32
	switch {
	case a.bestLapMs > 0:
		referenceLapMs = a.bestLapMs
	case a.lastLapMs > 0:
		referenceLapMs = a.lastLapMs
	default:
		return protocol.InfiniteLaps
	}

	ratePerMs := float64(consumption) / float64(elapsed.Milliseconds())
	perLap := ratePerMs * float64(referenceLapMs)
	if perLap <= 0 {
		return protocol.InfiniteLaps
	}
	return float64(a.fuelLevel) / perLap
}
