// Package sessionlog writes each race session's decoded telemetry to an
// NDJSON file plus a JSON metadata sidecar, opening on the first on-track
// frame and finalizing on an off-track transition or an idle timeout.
package sessionlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcelscruz/open-gt/internal/protocol"
)

const idleTimeout = 30 * time.Second

// Recorder stores a finalized session's metadata in the session index.
// The NDJSON file and its metadata sidecar are written by Logger itself.
type Recorder interface {
	RecordSession(ctx context.Context, sess SessionMeta) error
}

// SessionMeta mirrors internal/store.Session without importing the store
// package, keeping sessionlog decoupled from the persistence backend.
type SessionMeta struct {
	ID            string
	CarCode       int32
	StartedAt     int64
	EndedAt       int64
	PacketCount   int64
	BestLapMs     int32
	FinalLapCount int
	NDJSONPath    string
	MetaPath      string
}

type storeAdapter struct {
	record func(ctx context.Context, sess SessionMeta) error
}

func (a storeAdapter) RecordSession(ctx context.Context, sess SessionMeta) error {
	return a.record(ctx, sess)
}

// NewStoreRecorder adapts a function (typically internal/store.Store's
// RecordSession, wrapped by the caller) into a Recorder.
func NewStoreRecorder(record func(ctx context.Context, sess SessionMeta) error) Recorder {
	return storeAdapter{record: record}
}

type ndjsonLine struct {
	Timestamp int64           `json:"timestamp"`
	Data      protocol.Frame  `json:"data"`
}

// activeSession tracks one open NDJSON file and its running summary.
type activeSession struct {
	id            string
	carCode       int32
	startedAt     time.Time
	file          *os.File
	enc           *json.Encoder
	packetCount   int64
	bestLapMs     int32
	finalLapCount int
	ndjsonPath    string
	metaPath      string
}

// Logger multiplexes the telemetry stream into open/close session
// lifecycle around an active NDJSON file.
type Logger struct {
	mu       sync.Mutex
	dataDir  string
	recorder Recorder
	now      func() time.Time

	active    *activeSession
	idleTimer *time.Timer
}

// New creates a session logger writing under dataDir.
func New(dataDir string, recorder Recorder) *Logger {
	return &Logger{dataDir: dataDir, recorder: recorder, now: time.Now}
}

// Feed is called once per decoded frame (the fanout's unconditional
// consumer path). It opens a session on the first on-track frame, closes
// it on an off-track transition, and resets the idle timer on every
// frame received while a session is open.
func (l *Logger) Feed(f protocol.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !f.OnTrack {
		if l.active != nil {
			l.finalizeLocked("off-track")
		}
		return
	}

	if l.active == nil {
		if err := l.openLocked(f); err != nil {
			slog.Error("sessionlog: open session", "err", err)
			return
		}
	}

	l.writeLocked(f)
	l.resetIdleTimerLocked()
}

func (l *Logger) openLocked(f protocol.Frame) error {
	if err := os.MkdirAll(l.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	now := l.now()
	base := fmt.Sprintf("%s_car-%d", now.Format("2006-01-02T15-04-05"), f.CarCode)
	ndjsonPath := filepath.Join(l.dataDir, base+".ndjson")
	metaPath := filepath.Join(l.dataDir, base+".meta.json")

	file, err := os.Create(ndjsonPath)
	if err != nil {
		return fmt.Errorf("create ndjson file: %w", err)
	}

	l.active = &activeSession{
		id:         uuid.NewString(),
		carCode:    f.CarCode,
		startedAt:  now,
		file:       file,
		enc:        json.NewEncoder(file),
		bestLapMs:  -1,
		ndjsonPath: ndjsonPath,
		metaPath:   metaPath,
	}
	slog.Info("sessionlog: session started", "session_id", l.active.id, "car_code", f.CarCode, "path", ndjsonPath)
	return nil
}

func (l *Logger) writeLocked(f protocol.Frame) {
	a := l.active
	line := ndjsonLine{Timestamp: l.now().UnixMilli(), Data: f}
	if err := a.enc.Encode(line); err != nil {
		slog.Error("sessionlog: write line", "session_id", a.id, "err", err)
		return
	}
	a.packetCount++
	if f.BestLapMs > 0 && (a.bestLapMs < 0 || f.BestLapMs < a.bestLapMs) {
		a.bestLapMs = f.BestLapMs
	}
	if f.LapCount > a.finalLapCount {
		a.finalLapCount = f.LapCount
	}
}

func (l *Logger) resetIdleTimerLocked() {
	if l.idleTimer != nil {
		l.idleTimer.Stop()
	}
	l.idleTimer = time.AfterFunc(idleTimeout, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.active != nil {
			l.finalizeLocked("idle timeout")
		}
	})
}

// finalizeLocked closes the current file, writes the metadata sidecar,
// and records the session in the index. Caller holds l.mu.
func (l *Logger) finalizeLocked(reason string) {
	a := l.active
	l.active = nil
	if l.idleTimer != nil {
		l.idleTimer.Stop()
		l.idleTimer = nil
	}

	_ = a.file.Close()
	endedAt := l.now()

	meta := map[string]any{
		"id":              a.id,
		"carCode":         a.carCode,
		"startedAt":       a.startedAt.UnixMilli(),
		"endedAt":         endedAt.UnixMilli(),
		"packetCount":     a.packetCount,
		"bestLapMs":       a.bestLapMs,
		"finalLapCount":   a.finalLapCount,
		"finalizedReason": reason,
	}
	if metaBytes, err := json.MarshalIndent(meta, "", "  "); err != nil {
		slog.Error("sessionlog: marshal meta", "session_id", a.id, "err", err)
	} else if err := os.WriteFile(a.metaPath, metaBytes, 0o644); err != nil {
		slog.Error("sessionlog: write meta sidecar", "session_id", a.id, "err", err)
	}

	slog.Info("sessionlog: session finalized", "session_id", a.id, "reason", reason, "packets", a.packetCount)

	if l.recorder != nil {
		sess := SessionMeta{
			ID:            a.id,
			CarCode:       a.carCode,
			StartedAt:     a.startedAt.UnixMilli(),
			EndedAt:       endedAt.UnixMilli(),
			PacketCount:   a.packetCount,
			BestLapMs:     a.bestLapMs,
			FinalLapCount: a.finalLapCount,
			NDJSONPath:    a.ndjsonPath,
			MetaPath:      a.metaPath,
		}
		if err := l.recorder.RecordSession(context.Background(), sess); err != nil {
			// Best-effort: the NDJSON/meta files are already durable on
			// disk even if the index write fails.
			slog.Error("sessionlog: record session in index", "session_id", a.id, "err", err)
		}
	}
}

// Shutdown finalizes any open session gracefully (process exit path).
func (l *Logger) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != nil {
		l.finalizeLocked("shutdown")
	}
}
