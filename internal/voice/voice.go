// Package voice orchestrates the single live connection to the external
// generative voice model: session lifecycle, system-instruction
// composition, callout/context delivery, and bidirectional audio routing.
package voice

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/marcelscruz/open-gt/internal/protocol"
)

// baseInstruction is the fixed, never-overridable block of the composed
// system instruction. Personality and custom text may only alter style.
const baseInstruction = `You are a race engineer speaking live to a driver during a racing simulator session.
Keep responses to 1-2 sentences. Use racing terminology naturally (apex, understeer, oversteer, braking point, fuel load, tyre temps).
You will receive two kinds of input messages: lines starting with "[CONTEXT UPDATE]" are background telemetry state, not prompts to reply to. Lines starting with "[CALLOUT: <type>]" are events you should announce in your own words, briefly.
The driver may speak to you at any time; answer their questions directly and keep the race going.`

// ModelEvent is one event emitted by a live model session.
type ModelEvent struct {
	AudioPCM []byte // 24kHz 16-bit PCM, present on audio events
	Text     string // transcript or response text, present on text events
	Err      error  // non-nil on terminal session error
}

// ModelSession is the narrow interface the orchestrator needs from a live
// connection to the external voice model. The concrete implementation
// (a specific provider's streaming client) is an external collaborator;
// only this contract is specified here.
type ModelSession interface {
	SendText(ctx context.Context, text string, turnComplete bool) error
	SendAudio(chunk []byte) error
	EndAudio() error
	Close() error
}

// SessionFactory opens a new model session with the given voice and
// composed system instruction, and returns it along with its event
// stream. The event channel is closed when the underlying connection
// ends, for any reason.
type SessionFactory func(ctx context.Context, systemInstruction, voiceName string) (ModelSession, <-chan ModelEvent, error)

// ClientSink delivers events back to browser clients, addressed by id.
// internal/ws.Handler implements this.
type ClientSink interface {
	SendAudioOut(clientID string, base64PCM string) error
	SendText(clientID string, text, kind string, ts int64) error
	SendStatus(clientID string, connected bool, personalityID string) error
	SendError(clientID string, message string) error
	BroadcastText(text, kind string, ts int64)
}

type session struct {
	clientID string
	model    ModelSession
	cancel   context.CancelFunc
	cfg      protocol.SessionConfig
}

// Orchestrator owns at most one active session at a time.
type Orchestrator struct {
	factory SessionFactory
	sink    ClientSink
	clock   func() time.Time

	mu             sync.Mutex
	active         *session
	engineerEnabled bool
}

// New constructs an idle Orchestrator.
func New(factory SessionFactory, sink ClientSink) *Orchestrator {
	return &Orchestrator{factory: factory, sink: sink, clock: time.Now}
}

// SetEngineerEnabled toggles the config-driven enable flag gating the
// no-session fallback delivery path.
func (o *Orchestrator) SetEngineerEnabled(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.engineerEnabled = enabled
}

// Start opens a new session for clientID, tearing down any existing
// session first. Attempting to start while another client's session is
// active closes that session and notifies its owner, then the caller's
// session becomes active: the later start deterministically wins.
func (o *Orchestrator) Start(ctx context.Context, clientID string, cfg protocol.SessionConfig, p protocol.Personality, custom string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil {
		displaced := o.active.clientID
		o.teardownLocked("starting a new session")
		_ = o.sink.SendStatus(displaced, false, "")
	}

	instruction := composeInstruction(p, custom)
	sessCtx, cancel := context.WithCancel(ctx)

	model, events, err := o.factory(sessCtx, instruction, p.VoiceName)
	if err != nil {
		cancel()
		_ = o.sink.SendStatus(clientID, false, p.ID)
		_ = o.sink.SendError(clientID, fmt.Sprintf("voice session failed to start: %v", err))
		return err
	}

	sess := &session{clientID: clientID, model: model, cancel: cancel, cfg: cfg}
	o.active = sess

	go o.pump(sess, events)

	slog.Info("voice session started", "client_id", clientID, "personality", p.ID)
	_ = o.sink.SendStatus(clientID, true, p.ID)
	return nil
}

// pump demultiplexes model events and forwards them to the owning client
// until the event channel closes (session end, for any reason).
func (o *Orchestrator) pump(sess *session, events <-chan ModelEvent) {
	for ev := range events {
		if ev.Err != nil {
			slog.Warn("voice model session error", "client_id", sess.clientID, "err", ev.Err)
			o.endSession(sess, ev.Err)
			return
		}
		if len(ev.AudioPCM) > 0 {
			if err := o.sink.SendAudioOut(sess.clientID, encodeBase64(ev.AudioPCM)); err != nil {
				slog.Debug("send audio out failed", "client_id", sess.clientID, "err", err)
			}
		}
		if ev.Text != "" {
			_ = o.sink.SendText(sess.clientID, ev.Text, "response", o.clock().UnixMilli())
		}
	}
	// Channel closed without an explicit error: treat as model close.
	o.endSession(sess, nil)
}

func (o *Orchestrator) endSession(sess *session, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != sess {
		return // already replaced or stopped
	}
	o.teardownLocked("model session ended")
	if cause != nil {
		_ = o.sink.SendError(sess.clientID, cause.Error())
	}
	_ = o.sink.SendStatus(sess.clientID, false, "")
}

// Stop ends clientID's session if it owns the active one. Stopping a
// session you don't own is a no-op.
func (o *Orchestrator) Stop(clientID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil || o.active.clientID != clientID {
		return
	}
	o.teardownLocked("client stop")
	_ = o.sink.SendStatus(clientID, false, "")
}

// ClientDisconnected tears down the session owned by clientID, if any.
func (o *Orchestrator) ClientDisconnected(clientID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil || o.active.clientID != clientID {
		return
	}
	o.teardownLocked("client disconnected")
}

// teardownLocked releases all resources of the active session. Caller
// must hold o.mu.
func (o *Orchestrator) teardownLocked(reason string) {
	if o.active == nil {
		return
	}
	prev := o.active
	slog.Info("voice session torn down", "client_id", prev.clientID, "reason", reason)
	prev.cancel()
	_ = prev.model.Close()
	o.active = nil
}

// DeliverCallouts renders callouts as ordered text turns to the active
// session, or — when no session is active but the engineer is enabled —
// forwards their plaintext message to all clients as text-only.
func (o *Orchestrator) DeliverCallouts(ctx context.Context, callouts []protocol.Callout) {
	o.mu.Lock()
	active := o.active
	enabled := o.engineerEnabled
	o.mu.Unlock()

	for _, c := range callouts {
		if active != nil {
			turn := fmt.Sprintf("[CALLOUT: %s] %s Deliver this information in your style.", c.Type, c.Message)
			if err := active.model.SendText(ctx, turn, true); err != nil {
				slog.Warn("deliver callout failed", "type", c.Type, "err", err)
			}
		} else if enabled {
			o.sink.BroadcastText(c.Message, string(c.Type), c.Timestamp)
		}
	}
}

// UpdateContext formats the snapshot into a background context block and
// sends it as a non-turn-complete user turn, every ~5s per the caller's
// scheduler.
func (o *Orchestrator) UpdateContext(ctx context.Context, s protocol.Snapshot) {
	o.mu.Lock()
	active := o.active
	o.mu.Unlock()
	if active == nil {
		return
	}
	block := formatContextBlock(s)
	if err := active.model.SendText(ctx, block, false); err != nil {
		slog.Debug("update context failed", "err", err)
	}
}

// SendDriverAudio forwards one chunk of driver audio to clientID's active
// session. No-op if clientID does not own the active session.
func (o *Orchestrator) SendDriverAudio(clientID string, chunk []byte) error {
	o.mu.Lock()
	active := o.active
	o.mu.Unlock()
	if active == nil || active.clientID != clientID {
		return nil
	}
	return active.model.SendAudio(chunk)
}

// EndDriverAudio signals end-of-utterance for clientID's active session.
func (o *Orchestrator) EndDriverAudio(clientID string) error {
	o.mu.Lock()
	active := o.active
	o.mu.Unlock()
	if active == nil || active.clientID != clientID {
		return nil
	}
	return active.model.EndAudio()
}

// ActiveClientID reports the client owning the current session, or "".
func (o *Orchestrator) ActiveClientID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return ""
	}
	return o.active.clientID
}

// SetVerbosity updates the active session's callout verbosity. No-op if
// clientID does not own the active session.
func (o *Orchestrator) SetVerbosity(clientID string, verbosity int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil || o.active.clientID != clientID {
		return false
	}
	o.active.cfg.Verbosity = verbosity
	return true
}

// ActiveVerbosity reports the active session's configured verbosity and
// whether a session is active at all. Callers use this to gate periodic
// and on-lap callout evaluation by the connected client's own choice
// rather than a fixed startup default.
func (o *Orchestrator) ActiveVerbosity() (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return 0, false
	}
	return o.active.cfg.Verbosity, true
}

func encodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

func composeInstruction(p protocol.Personality, custom string) string {
	parts := []string{baseInstruction}
	if p.Prompt != "" {
		parts = append(parts, p.Prompt)
	}
	if custom != "" {
		parts = append(parts, custom)
	}
	return strings.Join(parts, "\n\n")
}

func formatContextBlock(s protocol.Snapshot) string {
	var b strings.Builder
	b.WriteString("[CONTEXT UPDATE]\n")
	fmt.Fprintf(&b, "Lap %d of %d\n", s.LapCount, s.TotalLaps)
	fmt.Fprintf(&b, "Best/last/delta: %dms / %dms / %dms\n", s.BestLapMs, s.LastLapMs, s.LapDelta)
	fmt.Fprintf(&b, "Pace trend: %s\n", s.PaceTrend)
	fmt.Fprintf(&b, "Speed %.0f km/h, gear %d (suggested %d)\n", s.SpeedKPH, s.GearCurrent, s.GearSuggested)
	if s.FuelDetermined == protocol.FuelOn {
		fmt.Fprintf(&b, "Fuel %.1fL, burn %.2fL/lap\n", s.FuelLevel, s.FuelBurnRate)
	}
	fmt.Fprintf(&b, "Tyre temps FL/FR/RL/RR: %.0f/%.0f/%.0f/%.0f\n",
		s.TyreTemps[0], s.TyreTemps[1], s.TyreTemps[2], s.TyreTemps[3])
	if s.TCSFrac > 0.05 {
		fmt.Fprintf(&b, "TCS active %.0f%% of lap\n", s.TCSFrac*100)
	}
	if s.ASMFrac > 0.05 {
		fmt.Fprintf(&b, "ASM active %.0f%% of lap\n", s.ASMFrac*100)
	}
	return b.String()
}
