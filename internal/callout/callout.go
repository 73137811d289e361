// Package callout implements the deterministic rule engine that turns an
// analyzer snapshot into race-engineer callouts, gated by verbosity and
// per-rule cooldown.
package callout

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/marcelscruz/open-gt/internal/protocol"
)

// ruleSet distinguishes the two evaluation passes.
type ruleSet int

const (
	setPeriodic ruleSet = iota
	setOnLap
)

// evalFunc inspects a snapshot and reports whether the rule fires, along
// with its transport data and fallback message.
type evalFunc func(protocol.Snapshot) (fire bool, data map[string]any, message string)

// Rule is one entry of the table-driven rule set.
type Rule struct {
	Type         protocol.CalloutType
	Set          ruleSet
	Priority     protocol.CalloutPriority
	MinVerbosity int
	CooldownMs   int64
	Eval         evalFunc
}

// Engine evaluates the rule table against snapshots on each scheduler
// tick. The cooldown map is guarded by mu, so the periodic tick and the
// lap-change path may both call the engine.
type Engine struct {
	mu       sync.Mutex
	rules    []Rule
	lastFire map[protocol.CalloutType]int64
	now      func() time.Time
}

// New builds the fixed rule table described by the engine's design.
func New() *Engine {
	return &Engine{
		rules:    defaultRules(),
		lastFire: make(map[protocol.CalloutType]int64),
		now:      time.Now,
	}
}

// EvaluatePeriodic runs the periodic rule set (the 1 Hz tick).
func (e *Engine) EvaluatePeriodic(s protocol.Snapshot, verbosity int) []protocol.Callout {
	return e.evaluate(setPeriodic, s, verbosity)
}

// EvaluateOnLapComplete runs the lap-edge rule set.
func (e *Engine) EvaluateOnLapComplete(s protocol.Snapshot, verbosity int) []protocol.Callout {
	return e.evaluate(setOnLap, s, verbosity)
}

func (e *Engine) evaluate(set ruleSet, s protocol.Snapshot, verbosity int) []protocol.Callout {
	e.mu.Lock()
	defer e.mu.Unlock()

	nowMs := e.now().UnixMilli()
	var out []protocol.Callout

	for _, r := range e.rules {
		if r.Set != set {
			continue
		}
		if !admittedByVerbosity(r.Priority, verbosity) || verbosity < r.MinVerbosity {
			continue
		}
		if r.CooldownMs > 0 {
			if last, ok := e.lastFire[r.Type]; ok && nowMs-last < r.CooldownMs {
				continue
			}
		}

		fire, data, msg := r.Eval(s)
		if !fire {
			continue
		}

		e.lastFire[r.Type] = nowMs
		out = append(out, protocol.Callout{
			Type:      r.Type,
			Priority:  r.Priority,
			Data:      data,
			Message:   msg,
			Timestamp: nowMs,
		})
	}
	return out
}

// admittedByVerbosity implements the global verbosity gate: 1 admits only
// critical, 2 admits critical+normal, 3 admits all.
func admittedByVerbosity(p protocol.CalloutPriority, verbosity int) bool {
	switch verbosity {
	case 1:
		return p == protocol.PriorityCritical
	case 2:
		return p == protocol.PriorityCritical || p == protocol.PriorityNormal
	default:
		return true
	}
}

func defaultRules() []Rule {
	return []Rule{
		{
			Type: protocol.CalloutFuelLow, Set: setPeriodic,
			Priority: protocol.PriorityCritical, MinVerbosity: 1, CooldownMs: 60_000,
			Eval: func(s protocol.Snapshot) (bool, map[string]any, string) {
				if s.FuelDetermined != protocol.FuelOn || s.FuelBurnRate <= 0 {
					return false, nil, ""
				}
				if math.IsInf(s.EstLapsRemain, 1) || s.EstLapsRemain >= 3 {
					return false, nil, ""
				}
				return true, map[string]any{"estLapsRemaining": s.EstLapsRemain},
					fmt.Sprintf("Fuel critical: about %.1f laps remaining.", s.EstLapsRemain)
			},
		},
		{
			Type: protocol.CalloutTyreTempHigh, Set: setPeriodic,
			Priority: protocol.PriorityCritical, MinVerbosity: 1, CooldownMs: 30_000,
			Eval: func(s protocol.Snapshot) (bool, map[string]any, string) {
				corner, temp, ok := hottestCornerOver(s.TyreTemps, 100.0)
				if !ok {
					return false, nil, ""
				}
				return true, map[string]any{"corner": corner, "tempC": temp},
					fmt.Sprintf("%s tyre temperature is high at %.0f degrees.", corner, temp)
			},
		},
		{
			Type: protocol.CalloutTyreTrend, Set: setPeriodic,
			Priority: protocol.PriorityNormal, MinVerbosity: 2, CooldownMs: 60_000,
			Eval: func(s protocol.Snapshot) (bool, map[string]any, string) {
				corner, ok := risingCorner(s.TyreTrends)
				if !ok {
					return false, nil, ""
				}
				return true, map[string]any{"corner": corner},
					fmt.Sprintf("%s tyre temperature is rising.", corner)
			},
		},
		{
			Type: protocol.CalloutLapDelta, Set: setOnLap,
			Priority: protocol.PriorityNormal, MinVerbosity: 2,
			Eval: func(s protocol.Snapshot) (bool, map[string]any, string) {
				if s.LastLapMs <= 0 || s.BestLapMs <= 0 {
					return false, nil, ""
				}
				delta := s.LastLapMs - s.BestLapMs
				if abs32(delta) <= 500 {
					return false, nil, ""
				}
				return true, map[string]any{"lastLapMs": s.LastLapMs, "deltaMs": delta},
					fmt.Sprintf("Last lap %s, %s to your best.", formatLapTime(s.LastLapMs), formatDelta(delta))
			},
		},
		{
			Type: protocol.CalloutLapSummary, Set: setOnLap,
			Priority: protocol.PriorityInfo, MinVerbosity: 3,
			Eval: func(s protocol.Snapshot) (bool, map[string]any, string) {
				if s.LastLapMs <= 0 {
					return false, nil, ""
				}
				return true, map[string]any{"lastLapMs": s.LastLapMs},
					fmt.Sprintf("Lap completed: %s.", formatLapTime(s.LastLapMs))
			},
		},
		{
			Type: protocol.CalloutFuelEstimate, Set: setOnLap,
			Priority: protocol.PriorityNormal, MinVerbosity: 2,
			Eval: func(s protocol.Snapshot) (bool, map[string]any, string) {
				if s.FuelDetermined != protocol.FuelOn || s.FuelBurnRate <= 0 {
					return false, nil, ""
				}
				return true, map[string]any{"burnRate": s.FuelBurnRate, "estLapsRemaining": s.EstLapsRemain},
					fmt.Sprintf("Burning about %.1f liters per lap, %.1f laps of fuel left.", s.FuelBurnRate, s.EstLapsRemain)
			},
		},
		{
			Type: protocol.CalloutRevLimiter, Set: setOnLap,
			Priority: protocol.PriorityNormal, MinVerbosity: 2,
			Eval: func(s protocol.Snapshot) (bool, map[string]any, string) {
				if s.RevLimiterFrac <= 0.15 {
					return false, nil, ""
				}
				return true, map[string]any{"revLimiterFrac": s.RevLimiterFrac},
					"You're hitting the rev limiter a lot this lap, consider shifting earlier."
			},
		},
		{
			Type: protocol.CalloutTCSIntervention, Set: setOnLap,
			Priority: protocol.PriorityNormal, MinVerbosity: 2,
			Eval: func(s protocol.Snapshot) (bool, map[string]any, string) {
				if s.TCSFrac <= 0.10 {
					return false, nil, ""
				}
				return true, map[string]any{"tcsFrac": s.TCSFrac},
					"Traction control is intervening frequently, ease off the throttle on exit."
			},
		},
		{
			Type: protocol.CalloutASMIntervention, Set: setOnLap,
			Priority: protocol.PriorityNormal, MinVerbosity: 2,
			Eval: func(s protocol.Snapshot) (bool, map[string]any, string) {
				if s.ASMFrac <= 0.10 {
					return false, nil, ""
				}
				return true, map[string]any{"asmFrac": s.ASMFrac},
					"Stability management is working hard, the car is getting loose."
			},
		},
		{
			Type: protocol.CalloutRaceProgress, Set: setOnLap,
			Priority: protocol.PriorityNormal, MinVerbosity: 2,
			Eval: func(s protocol.Snapshot) (bool, map[string]any, string) {
				if s.TotalLaps <= 0 {
					return false, nil, ""
				}
				remaining := s.TotalLaps - s.LapCount
				if s.LapCount%5 != 0 && remaining > 3 {
					return false, nil, ""
				}
				return true, map[string]any{"lap": s.LapCount, "totalLaps": s.TotalLaps},
					fmt.Sprintf("Lap %d of %d.", s.LapCount, s.TotalLaps)
			},
		},
		{
			Type: protocol.CalloutPaceSummary, Set: setOnLap,
			Priority: protocol.PriorityInfo, MinVerbosity: 3,
			Eval: func(s protocol.Snapshot) (bool, map[string]any, string) {
				if len(s.RecentLapTimes) < 3 {
					return false, nil, ""
				}
				return true, map[string]any{"paceTrend": s.PaceTrend},
					fmt.Sprintf("Pace is %s over the last few laps.", s.PaceTrend)
			},
		},
	}
}

var cornerNames = [4]string{"Front-left", "Front-right", "Rear-left", "Rear-right"}

func hottestCornerOver(temps [4]float32, threshold float32) (string, float32, bool) {
	best := float32(-1)
	name := ""
	found := false
	for i, t := range temps {
		if t > threshold && t > best {
			best = t
			name = cornerNames[i]
			found = true
		}
	}
	return name, best, found
}

func risingCorner(trends [4]protocol.Trend) (string, bool) {
	for i, tr := range trends {
		if tr == protocol.TrendRising {
			return cornerNames[i], true
		}
	}
	return "", false
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// formatLapTime renders milliseconds as "MM:SS.mmm".
func formatLapTime(ms int32) string {
	total := int64(ms)
	minutes := total / 60_000
	seconds := (total % 60_000) / 1000
	millis := total % 1000
	return fmt.Sprintf("%02d:%02d.%03d", minutes, seconds, millis)
}

// formatDelta renders a signed millisecond delta as a sign, seconds with
// three decimals and an "s" suffix, with no space: "+0.527s", "-1.204s".
func formatDelta(deltaMs int32) string {
	sign := "+"
	v := deltaMs
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%03ds", sign, v/1000, v%1000)
}
