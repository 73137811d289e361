// Package ws serves the browser-facing socket: telemetry and snapshot
// broadcast, the engineer voice-session lifecycle, and config control
// events, all multiplexed over one connection per client.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/marcelscruz/open-gt/internal/analyzer"
	"github.com/marcelscruz/open-gt/internal/config"
	"github.com/marcelscruz/open-gt/internal/fanout"
	"github.com/marcelscruz/open-gt/internal/protocol"
	"github.com/marcelscruz/open-gt/internal/voice"
)

const writeTimeout = 5 * time.Second

// Event type names, server<->client, per the external interface surface.
const (
	evTelemetry           = "telemetry"
	evTelemetrySnapshot   = "telemetry:snapshot"
	evEngineerStart       = "engineer:start"
	evEngineerStop        = "engineer:stop"
	evEngineerVerbosity   = "engineer:verbosity"
	evEngineerAudioIn     = "engineer:audio:in"
	evEngineerAudioEnd    = "engineer:audio:end"
	evEngineerAudioOut    = "engineer:audio:out"
	evEngineerText        = "engineer:text"
	evEngineerStatus      = "engineer:status"
	evEngineerError       = "engineer:error"
	evConfigState         = "config:state"
	evConfigSetAPIKey     = "config:setApiKey"
	evConfigTestKey       = "config:testKey"
	evConfigDeleteKey     = "config:deleteKey"
	evConfigSetEngineerOn = "config:setEngineerEnabled"
)

// envelope is the wire frame for every message in both directions.
type envelope struct {
	Type  string          `json:"type"`
	AckID string          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeEvent(typ string, ackID string, data any) envelope {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte("null")
	}
	return envelope{Type: typ, AckID: ackID, Data: raw}
}

// Handler owns websocket transport for the relay's browser clients.
type Handler struct {
	fanout   *fanout.Fanout
	analyzer *analyzer.Analyzer
	voice    *voice.Orchestrator
	config   *config.Store
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*clientConn
}

// NewHandler wires the socket surface to the relay's running components.
func NewHandler(fo *fanout.Fanout, az *analyzer.Analyzer, vo *voice.Orchestrator, cfg *config.Store) *Handler {
	return &Handler{
		fanout:   fo,
		analyzer: az,
		voice:    vo,
		config:   cfg,
		clients:  make(map[string]*clientConn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the websocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

type clientConn struct {
	id   string
	conn *websocket.Conn
	send chan envelope
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, remoteAddr)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	cc := &clientConn{id: uuid.NewString(), conn: conn, send: make(chan envelope, 256)}

	h.mu.Lock()
	h.clients[cc.id] = cc
	h.mu.Unlock()
	slog.Info("ws connected", "client_id", cc.id, "remote", remoteAddr)

	h.fanout.Subscribe(cc.id, cc)

	defer func() {
		h.mu.Lock()
		delete(h.clients, cc.id)
		h.mu.Unlock()
		h.fanout.Unsubscribe(cc.id)
		h.voice.ClientDisconnected(cc.id)
		slog.Info("ws disconnected", "client_id", cc.id, "remote", remoteAddr)
	}()

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		for out := range cc.send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				slog.Debug("ws write error", "client_id", cc.id, "type", out.Type, "err", err)
				return
			}
		}
	}()

	snapTicker := time.NewTicker(time.Second)
	defer snapTicker.Stop()
	snapStop := make(chan struct{})
	snapDone := make(chan struct{})
	go func() {
		defer close(snapDone)
		for {
			select {
			case <-snapStop:
				return
			case <-snapTicker.C:
				cc.enqueue(encodeEvent(evTelemetrySnapshot, "", h.analyzer.Snapshot()))
			}
		}
	}()

	cc.enqueue(encodeEvent(evConfigState, "", h.config.PublicState()))

	for {
		var in envelope
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws unexpected close", "client_id", cc.id, "err", err)
			}
			break
		}
		h.handleInbound(cc, in)
	}

	snapTicker.Stop()
	close(snapStop)
	<-snapDone
	close(cc.send)
	writerWG.Wait()
}

// SendTelemetry implements fanout.Subscriber. Invoked at the fanout's
// throttled broadcast rate, which is shared by all clients.
func (cc *clientConn) SendTelemetry(f protocol.Frame) error {
	return cc.enqueueNonBlocking(encodeEvent(evTelemetry, "", f))
}

func (cc *clientConn) enqueue(e envelope) {
	select {
	case cc.send <- e:
	default:
		slog.Debug("ws send buffer full, dropping message", "client_id", cc.id, "type", e.Type)
	}
}

func (cc *clientConn) enqueueNonBlocking(e envelope) error {
	select {
	case cc.send <- e:
		return nil
	default:
		return fmt.Errorf("send buffer full for client %s", cc.id)
	}
}

func (h *Handler) handleInbound(cc *clientConn, in envelope) {
	switch in.Type {
	case evEngineerStart:
		var req struct {
			PersonalityID     string                `json:"personalityId"`
			CustomPersonality *protocol.Personality `json:"customPersonality"`
			Verbosity         int                   `json:"verbosity"`
		}
		_ = json.Unmarshal(in.Data, &req)
		if req.Verbosity == 0 {
			req.Verbosity = 2
		}
		p := voice.ResolvePersonality(req.PersonalityID, req.CustomPersonality)
		cfg := protocol.SessionConfig{Verbosity: req.Verbosity, PersonalityID: p.ID}
		if err := h.voice.Start(context.Background(), cc.id, cfg, p, ""); err != nil {
			slog.Warn("engineer start failed", "client_id", cc.id, "err", err)
		}

	case evEngineerStop:
		h.voice.Stop(cc.id)

	case evEngineerVerbosity:
		var req struct {
			Verbosity int `json:"verbosity"`
		}
		_ = json.Unmarshal(in.Data, &req)
		h.voice.SetVerbosity(cc.id, req.Verbosity)
		slog.Debug("engineer verbosity updated", "client_id", cc.id, "verbosity", req.Verbosity)

	case evEngineerAudioIn:
		var payload struct {
			Audio string `json:"audio"`
		}
		if err := json.Unmarshal(in.Data, &payload); err != nil {
			cc.enqueue(encodeEvent(evEngineerError, "", map[string]string{"message": "invalid audio payload"}))
			return
		}
		chunk, err := base64.StdEncoding.DecodeString(payload.Audio)
		if err != nil {
			cc.enqueue(encodeEvent(evEngineerError, "", map[string]string{"message": "invalid base64 audio"}))
			return
		}
		if err := h.voice.SendDriverAudio(cc.id, chunk); err != nil {
			slog.Debug("send driver audio failed", "client_id", cc.id, "err", err)
		}

	case evEngineerAudioEnd:
		_ = h.voice.EndDriverAudio(cc.id)

	case evConfigSetAPIKey:
		var req struct {
			APIKey string `json:"apiKey"`
		}
		_ = json.Unmarshal(in.Data, &req)
		valid, validateErr := h.config.SetAPIKey(context.Background(), req.APIKey)
		cc.enqueue(ackEnvelope(evConfigSetAPIKey, in.AckID, valid, validateErr))

	case evConfigTestKey:
		valid, validateErr := h.config.TestAPIKey(context.Background())
		cc.enqueue(ackEnvelope(evConfigTestKey, in.AckID, valid, validateErr))

	case evConfigDeleteKey:
		h.config.DeleteAPIKey(context.Background())
		cc.enqueue(encodeEvent(evConfigState, "", h.config.PublicState()))

	case evConfigSetEngineerOn:
		var req struct {
			Enabled bool `json:"enabled"`
		}
		_ = json.Unmarshal(in.Data, &req)
		h.config.SetEngineerEnabled(req.Enabled)
		h.voice.SetEngineerEnabled(req.Enabled)
		cc.enqueue(encodeEvent(evConfigState, "", h.config.PublicState()))

	default:
		slog.Warn("ws unknown message type", "client_id", cc.id, "type", in.Type)
	}
}

func ackEnvelope(typ, ackID string, valid bool, err error) envelope {
	resp := map[string]any{"valid": valid}
	if err != nil {
		resp["error"] = err.Error()
	}
	return encodeEvent(typ, ackID, resp)
}

// --- voice.ClientSink implementation, addressed by client id ---

func (h *Handler) client(clientID string) (*clientConn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cc, ok := h.clients[clientID]
	return cc, ok
}

// SendAudioOut implements voice.ClientSink.
func (h *Handler) SendAudioOut(clientID string, base64PCM string) error {
	cc, ok := h.client(clientID)
	if !ok {
		return nil
	}
	cc.enqueue(encodeEvent(evEngineerAudioOut, "", map[string]string{"audio": base64PCM}))
	return nil
}

// SendText implements voice.ClientSink.
func (h *Handler) SendText(clientID, text, kind string, ts int64) error {
	cc, ok := h.client(clientID)
	if !ok {
		return nil
	}
	cc.enqueue(encodeEvent(evEngineerText, "", map[string]any{"text": text, "type": kind, "timestamp": ts}))
	return nil
}

// SendStatus implements voice.ClientSink.
func (h *Handler) SendStatus(clientID string, connected bool, personalityID string) error {
	cc, ok := h.client(clientID)
	if !ok {
		return nil
	}
	payload := map[string]any{"connected": connected}
	if personalityID != "" {
		payload["personality"] = personalityID
	}
	cc.enqueue(encodeEvent(evEngineerStatus, "", payload))
	return nil
}

// SendError implements voice.ClientSink.
func (h *Handler) SendError(clientID, message string) error {
	cc, ok := h.client(clientID)
	if !ok {
		return nil
	}
	cc.enqueue(encodeEvent(evEngineerError, "", map[string]string{"message": message}))
	return nil
}

// BroadcastText implements voice.ClientSink, used for the no-session
// callout fallback.
func (h *Handler) BroadcastText(text, kind string, ts int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	env := encodeEvent(evEngineerText, "", map[string]any{"text": text, "type": kind, "timestamp": ts})
	for _, cc := range h.clients {
		cc.enqueue(env)
	}
}
