package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/marcelscruz/open-gt/internal/analyzer"
	"github.com/marcelscruz/open-gt/internal/config"
	"github.com/marcelscruz/open-gt/internal/fanout"
	"github.com/marcelscruz/open-gt/internal/protocol"
	"github.com/marcelscruz/open-gt/internal/voice"
)

type memSettings struct {
	m map[string]string
}

func newMemSettings() *memSettings { return &memSettings{m: map[string]string{}} }

func (s *memSettings) GetSetting(ctx context.Context, key string) (string, bool, error) {
	v, ok := s.m[key]
	return v, ok, nil
}
func (s *memSettings) SetSetting(ctx context.Context, key, value string) error {
	s.m[key] = value
	return nil
}
func (s *memSettings) DeleteSetting(ctx context.Context, key string) error {
	delete(s.m, key)
	return nil
}

// sinkHolder breaks the construction cycle between the orchestrator
// (which needs a ClientSink up front) and the Handler (which implements
// one but needs an already-built orchestrator).
type sinkHolder struct{ h *Handler }

func (s *sinkHolder) SendAudioOut(clientID, base64PCM string) error {
	return s.h.SendAudioOut(clientID, base64PCM)
}
func (s *sinkHolder) SendText(clientID, text, kind string, ts int64) error {
	return s.h.SendText(clientID, text, kind, ts)
}
func (s *sinkHolder) SendStatus(clientID string, connected bool, personalityID string) error {
	return s.h.SendStatus(clientID, connected, personalityID)
}
func (s *sinkHolder) SendError(clientID, message string) error {
	return s.h.SendError(clientID, message)
}
func (s *sinkHolder) BroadcastText(text, kind string, ts int64) {
	s.h.BroadcastText(text, kind, ts)
}

func startTestServer(t *testing.T) string {
	t.Helper()

	fo := fanout.New(60)
	az := analyzer.New(func(protocol.Snapshot) {})
	cfg, err := config.New(context.Background(), newMemSettings(), func(context.Context, string) error { return nil })
	if err != nil {
		t.Fatalf("new config: %v", err)
	}
	holder := &sinkHolder{}
	vo := voice.New(func(ctx context.Context, systemInstruction, voiceName string) (voice.ModelSession, <-chan voice.ModelEvent, error) {
		ch := make(chan voice.ModelEvent)
		return noopModelSession{}, ch, nil
	}, holder)

	h := NewHandler(fo, az, vo, cfg)
	holder.h = h
	e := echo.New()
	h.Register(e)

	httpServer := httptest.NewServer(e)
	t.Cleanup(httpServer.Close)

	return "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

type noopModelSession struct{}

func (noopModelSession) SendText(ctx context.Context, text string, turnComplete bool) error { return nil }
func (noopModelSession) SendAudio(chunk []byte) error                                       { return nil }
func (noopModelSession) EndAudio() error                                                    { return nil }
func (noopModelSession) Close() error                                                       { return nil }

func dial(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(baseURL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(envelope) bool) envelope {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var env envelope
		err := conn.ReadJSON(&env)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.Fatalf("connection closed unexpectedly: %v", err)
			}
			t.Fatalf("read json: %v", err)
		}
		if match(env) {
			return env
		}
	}
	t.Fatal("timed out waiting for matching message")
	return envelope{}
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, typ, ackID string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(envelope{Type: typ, AckID: ackID, Data: raw}); err != nil {
		t.Fatalf("write json: %v", err)
	}
}

func TestClientReceivesConfigStateOnConnect(t *testing.T) {
	baseURL := startTestServer(t)
	conn := dial(t, baseURL)
	defer conn.Close()

	readUntil(t, conn, func(e envelope) bool { return e.Type == evConfigState })
}

func TestSetAPIKeyAcksWithAckID(t *testing.T) {
	baseURL := startTestServer(t)
	conn := dial(t, baseURL)
	defer conn.Close()

	readUntil(t, conn, func(e envelope) bool { return e.Type == evConfigState })

	writeEnvelope(t, conn, evConfigSetAPIKey, "req-1", map[string]string{"apiKey": "test-key-value"})
	ack := readUntil(t, conn, func(e envelope) bool { return e.Type == evConfigSetAPIKey && e.AckID == "req-1" })

	var resp map[string]any
	if err := json.Unmarshal(ack.Data, &resp); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if v, ok := resp["valid"].(bool); !ok || !v {
		t.Fatalf("expected valid=true, got %+v", resp)
	}
}

func TestEngineerStartTriggersStatusConnected(t *testing.T) {
	baseURL := startTestServer(t)
	conn := dial(t, baseURL)
	defer conn.Close()

	readUntil(t, conn, func(e envelope) bool { return e.Type == evConfigState })

	writeEnvelope(t, conn, evEngineerStart, "", map[string]any{"personalityId": "race-engineer", "verbosity": 2})
	readUntil(t, conn, func(e envelope) bool { return e.Type == evEngineerStatus })
}

func TestUnknownMessageTypeDoesNotCrashConnection(t *testing.T) {
	baseURL := startTestServer(t)
	conn := dial(t, baseURL)
	defer conn.Close()

	readUntil(t, conn, func(e envelope) bool { return e.Type == evConfigState })
	writeEnvelope(t, conn, "bogus:event", "", map[string]string{})

	writeEnvelope(t, conn, evConfigTestKey, "probe", map[string]string{})
	readUntil(t, conn, func(e envelope) bool { return e.Type == evConfigTestKey && e.AckID == "probe" })
}
