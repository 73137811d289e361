package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marcelscruz/open-gt/internal/protocol"
)

type fakeModelSession struct {
	mu     sync.Mutex
	closed bool
	texts  []string
}

func (m *fakeModelSession) SendText(ctx context.Context, text string, turnComplete bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return nil
}
func (m *fakeModelSession) SendAudio(chunk []byte) error { return nil }
func (m *fakeModelSession) EndAudio() error              { return nil }
func (m *fakeModelSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeModelSession) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type fakeSink struct {
	mu        sync.Mutex
	statuses  []statusCall
	errors    []string
	broadcast []string
}

type statusCall struct {
	clientID  string
	connected bool
}

func (s *fakeSink) SendAudioOut(clientID, b64 string) error { return nil }
func (s *fakeSink) SendText(clientID, text, kind string, ts int64) error {
	return nil
}
func (s *fakeSink) SendStatus(clientID string, connected bool, personalityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, statusCall{clientID, connected})
	return nil
}
func (s *fakeSink) SendError(clientID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, message)
	return nil
}
func (s *fakeSink) BroadcastText(text, kind string, ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcast = append(s.broadcast, text)
}

func (s *fakeSink) statusesFor(clientID string) []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bool
	for _, c := range s.statuses {
		if c.clientID == clientID {
			out = append(out, c.connected)
		}
	}
	return out
}

func newFactory() (SessionFactory, func() []*fakeModelSession) {
	var mu sync.Mutex
	var sessions []*fakeModelSession
	factory := func(ctx context.Context, instruction, voice string) (ModelSession, <-chan ModelEvent, error) {
		m := &fakeModelSession{}
		mu.Lock()
		sessions = append(sessions, m)
		mu.Unlock()
		ch := make(chan ModelEvent)
		return m, ch, nil
	}
	return factory, func() []*fakeModelSession {
		mu.Lock()
		defer mu.Unlock()
		return sessions
	}
}

func TestStartOpensSessionAndReportsConnected(t *testing.T) {
	factory, _ := newFactory()
	sink := &fakeSink{}
	o := New(factory, sink)

	err := o.Start(context.Background(), "client-a", protocol.SessionConfig{Verbosity: 2}, ResolvePersonality("race-engineer", nil), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.ActiveClientID() != "client-a" {
		t.Fatalf("expected client-a active, got %q", o.ActiveClientID())
	}
	statuses := sink.statusesFor("client-a")
	if len(statuses) != 1 || !statuses[0] {
		t.Fatalf("expected single connected status, got %v", statuses)
	}
}

func TestSecondStartTearsDownFirstScenarioF(t *testing.T) {
	factory, sessions := newFactory()
	sink := &fakeSink{}
	o := New(factory, sink)

	p := ResolvePersonality("race-engineer", nil)
	if err := o.Start(context.Background(), "client-a", protocol.SessionConfig{}, p, ""); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if err := o.Start(context.Background(), "client-b", protocol.SessionConfig{}, p, ""); err != nil {
		t.Fatalf("second start failed: %v", err)
	}

	if o.ActiveClientID() != "client-b" {
		t.Fatalf("expected client-b to win, got %q", o.ActiveClientID())
	}

	all := sessions()
	if len(all) != 2 {
		t.Fatalf("expected 2 model sessions created, got %d", len(all))
	}
	if !all[0].isClosed() {
		t.Fatal("expected first session to be closed on teardown")
	}
	if all[1].isClosed() {
		t.Fatal("expected second session to remain open")
	}

	aStatuses := sink.statusesFor("client-a")
	if len(aStatuses) != 2 || aStatuses[0] != true || aStatuses[1] != false {
		t.Fatalf("expected client-a connected then disconnected, got %v", aStatuses)
	}
	bStatuses := sink.statusesFor("client-b")
	if len(bStatuses) != 1 || !bStatuses[0] {
		t.Fatalf("expected client-b connected once, got %v", bStatuses)
	}
}

func TestStopOnlyAffectsOwningClient(t *testing.T) {
	factory, sessions := newFactory()
	sink := &fakeSink{}
	o := New(factory, sink)
	p := ResolvePersonality("race-engineer", nil)

	_ = o.Start(context.Background(), "client-a", protocol.SessionConfig{}, p, "")
	o.Stop("client-b") // not the owner: no-op
	if o.ActiveClientID() != "client-a" {
		t.Fatal("stop from non-owning client must not affect active session")
	}

	o.Stop("client-a")
	if o.ActiveClientID() != "" {
		t.Fatal("expected session idle after owning client stops")
	}
	if !sessions()[0].isClosed() {
		t.Fatal("expected model session closed on stop")
	}
}

func TestClientDisconnectedTearsDownOwnedSession(t *testing.T) {
	factory, _ := newFactory()
	sink := &fakeSink{}
	o := New(factory, sink)
	p := ResolvePersonality("race-engineer", nil)

	_ = o.Start(context.Background(), "client-a", protocol.SessionConfig{}, p, "")
	o.ClientDisconnected("client-a")
	if o.ActiveClientID() != "" {
		t.Fatal("expected session torn down on client disconnect")
	}
}

func TestDeliverCalloutsFallsBackToBroadcastWhenIdleAndEnabled(t *testing.T) {
	factory, _ := newFactory()
	sink := &fakeSink{}
	o := New(factory, sink)
	o.SetEngineerEnabled(true)

	o.DeliverCallouts(context.Background(), []protocol.Callout{
		{Type: protocol.CalloutFuelLow, Message: "Fuel critical: about 1.0 laps remaining."},
	})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.broadcast) != 1 || sink.broadcast[0] != "Fuel critical: about 1.0 laps remaining." {
		t.Fatalf("expected fallback broadcast, got %v", sink.broadcast)
	}
}

func TestDeliverCalloutsSkippedWhenIdleAndDisabled(t *testing.T) {
	factory, _ := newFactory()
	sink := &fakeSink{}
	o := New(factory, sink)

	o.DeliverCallouts(context.Background(), []protocol.Callout{
		{Type: protocol.CalloutFuelLow, Message: "should not be delivered"},
	})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.broadcast) != 0 {
		t.Fatalf("expected no broadcast when engineer disabled, got %v", sink.broadcast)
	}
}

func TestDeliverCalloutsSentAsTextTurnsWhenActive(t *testing.T) {
	factory, sessions := newFactory()
	sink := &fakeSink{}
	o := New(factory, sink)
	p := ResolvePersonality("race-engineer", nil)
	_ = o.Start(context.Background(), "client-a", protocol.SessionConfig{}, p, "")

	o.DeliverCallouts(context.Background(), []protocol.Callout{
		{Type: protocol.CalloutLapDelta, Message: "Last lap 01:42.350, +0.527s to your best."},
	})

	m := sessions()[0]
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.texts) != 1 {
		t.Fatalf("expected 1 turn sent to active session, got %d", len(m.texts))
	}
}

func TestModelSessionErrorEndsSessionAndNotifiesClient(t *testing.T) {
	var mu sync.Mutex
	var events chan ModelEvent
	factory := func(ctx context.Context, instruction, voice string) (ModelSession, <-chan ModelEvent, error) {
		mu.Lock()
		events = make(chan ModelEvent, 1)
		ch := events
		mu.Unlock()
		return &fakeModelSession{}, ch, nil
	}
	sink := &fakeSink{}
	o := New(factory, sink)
	p := ResolvePersonality("race-engineer", nil)
	_ = o.Start(context.Background(), "client-a", protocol.SessionConfig{}, p, "")

	mu.Lock()
	events <- ModelEvent{Err: errors.New("upstream closed")}
	close(events)
	mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if o.ActiveClientID() == "" {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if o.ActiveClientID() != "" {
		t.Fatal("expected session to end after model error")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.errors) != 1 {
		t.Fatalf("expected one error forwarded to client, got %v", sink.errors)
	}
}

func TestActiveVerbosityReflectsStartedSession(t *testing.T) {
	factory, _ := newFactory()
	sink := &fakeSink{}
	o := New(factory, sink)

	if _, ok := o.ActiveVerbosity(); ok {
		t.Fatal("expected no active verbosity before any session starts")
	}

	p := ResolvePersonality("race-engineer", nil)
	_ = o.Start(context.Background(), "client-a", protocol.SessionConfig{Verbosity: 1}, p, "")

	v, ok := o.ActiveVerbosity()
	if !ok || v != 1 {
		t.Fatalf("expected active verbosity 1, got %d ok=%v", v, ok)
	}
}

func TestSetVerbosityUpdatesOwningClientOnly(t *testing.T) {
	factory, _ := newFactory()
	sink := &fakeSink{}
	o := New(factory, sink)
	p := ResolvePersonality("race-engineer", nil)
	_ = o.Start(context.Background(), "client-a", protocol.SessionConfig{Verbosity: 1}, p, "")

	if o.SetVerbosity("client-b", 3) {
		t.Fatal("expected SetVerbosity to no-op for a non-owning client")
	}
	if v, _ := o.ActiveVerbosity(); v != 1 {
		t.Fatalf("expected verbosity unchanged at 1, got %d", v)
	}

	if !o.SetVerbosity("client-a", 3) {
		t.Fatal("expected SetVerbosity to succeed for the owning client")
	}
	if v, _ := o.ActiveVerbosity(); v != 3 {
		t.Fatalf("expected verbosity updated to 3, got %d", v)
	}
}

func TestComposeInstructionIncludesBaseAndPersonalityAndCustom(t *testing.T) {
	p := ResolvePersonality("hype-man", nil)
	out := composeInstruction(p, "Call me Skipper.")
	if !containsAll(out, baseInstruction, p.Prompt, "Call me Skipper.") {
		t.Fatalf("expected composed instruction to include all parts, got %q", out)
	}
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
