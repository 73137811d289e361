// Package protocol defines the wire-level constants and data types shared
// between the telemetry pipeline and the client transport: the decrypted
// frame layout, the derived snapshot, callouts, and session/app config.
package protocol

import "math"

// Wire constants for the console's UDP telemetry stream.
const (
	// CipherKeySeed is the ASCII string whose first 32 bytes form the
	// Salsa20 key for every telemetry datagram.
	CipherKeySeed = "Simulator Interface Packet GT7 ver 0.0"

	// IVXor is XORed with the little-endian iv1 word read from the
	// ciphertext to derive iv2, the other half of the nonce.
	IVXor uint32 = 0xDEADBEAF

	// Magic is the expected little-endian magic word at offset 0 of a
	// decrypted frame.
	Magic uint32 = 0x47375330

	// FrameSize is the fixed size in bytes of one encrypted telemetry
	// datagram.
	FrameSize = 296

	// Byte offsets into the decrypted frame, per the documented layout.
	// Offsets not pinned down by the documented layout (packet id, lap
	// counters, lap times, tyre temperatures) are placed in the gaps it
	// leaves free; see DESIGN.md for the reasoning.
	OffsetMagic      = 0x00
	OffsetPosition   = 0x04
	OffsetVelocity   = 0x10
	OffsetRotation   = 0x1C
	OffsetEngineRPM  = 0x3C
	OffsetIV1        = 0x40
	OffsetFuelLevel  = 0x44
	OffsetFuelCap    = 0x48
	OffsetSpeedMS    = 0x4C
	OffsetTyreTemps  = 0x60 // FL,FR,RL,RR float32 x4
	OffsetPacketID   = 0x70
	OffsetLapCount   = 0x74
	OffsetTotalLaps  = 0x76
	OffsetBestLapMs  = 0x78
	OffsetLastLapMs  = 0x7C
	OffsetFlags      = 0x8E
	OffsetGearNibble = 0x90
	OffsetThrottle   = 0x91
	OffsetBrake      = 0x92
	OffsetWheels     = 0xA4
	OffsetClutch     = 0xF4
	OffsetGearRatios = 0x104
	OffsetCarCode    = 0x124

	// Network ports and intervals.
	HeartbeatPort      = 33739
	TelemetryPort      = 33740
	HeartbeatInterval  = 10 // seconds
	DefaultWSPort      = 4401
	DefaultBroadcastHz = 30
)

// Flag bits decoded from the 16-bit flag word at OffsetFlags.
const (
	FlagOnTrack uint16 = 1 << iota
	FlagPaused
	FlagLoading
	FlagRevLimiter
	FlagHandbrake
	FlagTCSActive
	FlagASMActive
	FlagLightsOn
	FlagHasTurbo
	FlagInGear
)

// Frame is one decoded telemetry sample. It is immutable after decode and
// safe to share read-only across goroutines.
type Frame struct {
	PacketID uint32

	PositionX, PositionY, PositionZ float32
	VelocityX, VelocityY, VelocityZ float32

	EngineRPM float32

	GearCurrent   int
	GearSuggested int

	Throttle int // 0-100
	Brake    int // 0-100

	SpeedKPH float32

	FuelLevel    float32
	FuelCapacity float32

	TyreTempFL, TyreTempFR, TyreTempRL, TyreTempRR float32

	LapCount   int
	TotalLaps  int
	BestLapMs  int32 // -1 if unset
	LastLapMs  int32 // -1 if unset

	OnTrack     bool
	Paused      bool
	Loading     bool
	RevLimiter  bool
	Handbrake   bool
	TCSActive   bool
	ASMActive   bool
	LightsOn    bool
	HasTurbo    bool
	InGear      bool

	CarCode int32
}

// Trend describes the direction of a recent time series.
type Trend string

const (
	TrendImproving  Trend = "improving"
	TrendDegrading  Trend = "degrading"
	TrendConsistent Trend = "consistent"
	TrendRising     Trend = "rising"
	TrendCooling    Trend = "cooling"
	TrendStable     Trend = "stable"
)

// FuelDetermined is the tri-state outcome of fuel-usage detection.
type FuelDetermined string

const (
	FuelUndetermined FuelDetermined = "undetermined"
	FuelOn           FuelDetermined = "on"
	FuelOff          FuelDetermined = "off"
)

// InfiniteLaps is the sentinel reported for estimated laps remaining when
// it cannot be bounded.
var InfiniteLaps = math.Inf(1)

// Snapshot is the analyzer's exported, self-consistent summary.
type Snapshot struct {
	LapCount  int
	TotalLaps int

	LastLapMs int32
	BestLapMs int32
	LapDelta  int32

	PaceTrend      Trend
	RecentLapTimes []int32 // bounded FIFO, len <= 5

	FuelLevel      float32
	FuelCapacity   float32
	FuelBurnRate   float32 // per lap, 0 if unknown
	EstLapsRemain  float64 // +Inf sentinel if unknown
	FuelDetermined FuelDetermined

	TyreTemps  [4]float32 // FL, FR, RL, RR
	TyreTrends [4]Trend

	RevLimiterFrac float64
	TCSFrac        float64
	ASMFrac        float64

	SpeedKPH    float32
	TopSpeedKPH float32

	GearCurrent   int
	GearSuggested int

	CarCode int32

	OnTrack bool

	SessionDurationMs int64
	LapStartedAtMs    int64
}

// CalloutType enumerates the fixed set of callouts the engine can emit.
type CalloutType string

const (
	CalloutFuelLow         CalloutType = "fuel_low"
	CalloutFuelEstimate    CalloutType = "fuel_estimate"
	CalloutTyreTempHigh    CalloutType = "tyre_temp_high"
	CalloutTyreTrend       CalloutType = "tyre_trend"
	CalloutLapDelta        CalloutType = "lap_delta"
	CalloutLapSummary      CalloutType = "lap_summary"
	CalloutRevLimiter      CalloutType = "rev_limiter"
	CalloutTCSIntervention CalloutType = "tcs_intervention"
	CalloutASMIntervention CalloutType = "asm_intervention"
	CalloutRaceProgress    CalloutType = "race_progress"
	CalloutPaceSummary     CalloutType = "pace_summary"
)

// CalloutPriority gates a callout against a session's verbosity level.
type CalloutPriority string

const (
	PriorityCritical CalloutPriority = "critical"
	PriorityNormal   CalloutPriority = "normal"
	PriorityInfo     CalloutPriority = "info"
)

// Callout is a single evaluated rule firing. It is consumed once and never
// persisted.
type Callout struct {
	Type      CalloutType
	Priority  CalloutPriority
	Data      map[string]any
	Message   string
	Timestamp int64 // unix millis
}

// VoiceMode selects how driver audio is captured.
type VoiceMode string

const (
	VoicePushToTalk VoiceMode = "push-to-talk"
	VoiceAlwaysOpen VoiceMode = "always-open"
)

// Personality bundles the style layered onto the fixed base system
// instruction.
type Personality struct {
	ID          string
	DisplayName string
	Prompt      string
	VoiceName   string
}

// SessionConfig carries the per-voice-session choices a client made.
type SessionConfig struct {
	Verbosity         int // 1, 2, 3
	PersonalityID     string
	CustomPersonality *Personality
	VoiceMode         VoiceMode
}

// AppConfig is the persisted, process-wide configuration record.
type AppConfig struct {
	APIKey          string // plaintext in memory only
	EngineerEnabled bool
}
