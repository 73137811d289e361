package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/marcelscruz/open-gt/internal/analyzer"
	"github.com/marcelscruz/open-gt/internal/callout"
	"github.com/marcelscruz/open-gt/internal/config"
	"github.com/marcelscruz/open-gt/internal/decoder"
	"github.com/marcelscruz/open-gt/internal/discovery"
	"github.com/marcelscruz/open-gt/internal/fanout"
	"github.com/marcelscruz/open-gt/internal/httpapi"
	"github.com/marcelscruz/open-gt/internal/metrics"
	"github.com/marcelscruz/open-gt/internal/protocol"
	"github.com/marcelscruz/open-gt/internal/sessionlog"
	"github.com/marcelscruz/open-gt/internal/store"
	"github.com/marcelscruz/open-gt/internal/voice"
	"github.com/marcelscruz/open-gt/internal/ws"
)

// serveConfig holds the flags and environment overrides for the long-running
// relay process, mirroring the teacher's flat main.go flag list.
type serveConfig struct {
	wsAddr      string
	apiAddr     string
	dbPath      string
	dataDir     string
	ps5IP       string
	recvPort    int
	sendPort    int
	testCar     string
	broadcastHz int
	verbosity   int
}

func defaultDBPath() string {
	return "relay.db"
}

func parseFlags() (serveConfig, error) {
	var cfg serveConfig

	flag.StringVar(&cfg.wsAddr, "addr", ":4401", "WebSocket client listen address")
	flag.StringVar(&cfg.apiAddr, "api-addr", ":8090", "REST API listen address (empty to disable)")
	flag.StringVar(&cfg.dbPath, "db", defaultDBPath(), "SQLite database path")
	flag.StringVar(&cfg.dataDir, "data-dir", "sessions", "directory for NDJSON session logs")
	flag.StringVar(&cfg.ps5IP, "ps5-ip", "", "bypass UDP discovery and lock onto this console address")
	flag.IntVar(&cfg.recvPort, "recv-port", protocol.TelemetryPort, "UDP port to receive telemetry/heartbeat replies on")
	flag.IntVar(&cfg.sendPort, "send-port", protocol.HeartbeatPort, "UDP port to send discovery heartbeats to")
	flag.StringVar(&cfg.testCar, "test-car", "", "name for a synthetic test car generator (empty to disable)")
	flag.IntVar(&cfg.broadcastHz, "broadcast-hz", protocol.DefaultBroadcastHz, "client telemetry broadcast rate")
	flag.IntVar(&cfg.verbosity, "verbosity", 2, "default callout verbosity (0-3) until a client overrides it")
	flag.Parse()

	if v := os.Getenv("PS5_IP"); v != "" {
		cfg.ps5IP = v
	}
	if v := os.Getenv("WS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.wsAddr = ":" + strconv.Itoa(p)
		}
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.apiAddr = v
	}

	return cfg, nil
}

// sinkProxy breaks the construction cycle between internal/ws (which needs
// an already-built *voice.Orchestrator) and internal/voice (whose
// ClientSink is implemented by *ws.Handler): the orchestrator is built
// first against this proxy, and the real handler is attached once it
// exists.
type sinkProxy struct {
	mu sync.RWMutex
	h  *ws.Handler
}

func (p *sinkProxy) attach(h *ws.Handler) {
	p.mu.Lock()
	p.h = h
	p.mu.Unlock()
}

func (p *sinkProxy) get() *ws.Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.h
}

func (p *sinkProxy) SendAudioOut(clientID, base64PCM string) error {
	if h := p.get(); h != nil {
		return h.SendAudioOut(clientID, base64PCM)
	}
	return nil
}

func (p *sinkProxy) SendText(clientID, text, kind string, ts int64) error {
	if h := p.get(); h != nil {
		return h.SendText(clientID, text, kind, ts)
	}
	return nil
}

func (p *sinkProxy) SendStatus(clientID string, connected bool, personalityID string) error {
	if h := p.get(); h != nil {
		return h.SendStatus(clientID, connected, personalityID)
	}
	return nil
}

func (p *sinkProxy) SendError(clientID, message string) error {
	if h := p.get(); h != nil {
		return h.SendError(clientID, message)
	}
	return nil
}

func (p *sinkProxy) BroadcastText(text, kind string, ts int64) {
	if h := p.get(); h != nil {
		h.BroadcastText(text, kind, ts)
	}
}

// runServe wires discovery -> decoder -> fanout -> analyzer/callout ->
// voice orchestrator -> websocket transport -> REST API -> session log
// -> store -> config, then blocks until ctx is canceled.
func runServe(ctx context.Context, cancel context.CancelFunc, cfg serveConfig) {
	st, err := store.New(cfg.dbPath)
	if err != nil {
		slog.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	cfgStore, err := config.New(ctx, st, voiceKeyValidator)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	dec := decoder.New()
	fo := fanout.New(cfg.broadcastHz)
	m := &metrics.Counters{}
	calloutEngine := callout.New()

	var az *analyzer.Analyzer
	sink := &sinkProxy{}
	voiceOrch := voice.New(unconfiguredVoiceFactory, sink)
	voiceOrch.SetEngineerEnabled(cfgStore.EngineerEnabled())

	az = analyzer.New(func(s protocol.Snapshot) {
		calloutsOut := calloutEngine.EvaluateOnLapComplete(s, activeVerbosity(voiceOrch, cfg.verbosity))
		if len(calloutsOut) > 0 {
			m.IncCalloutsFired(len(calloutsOut))
			voiceOrch.DeliverCallouts(ctx, calloutsOut)
		}
	})

	sessLog := sessionlog.New(cfg.dataDir, sessionlog.NewStoreRecorder(func(ctx context.Context, sess sessionlog.SessionMeta) error {
		return st.RecordSession(ctx, store.Session{
			ID: sess.ID, CarCode: sess.CarCode, StartedAt: sess.StartedAt, EndedAt: sess.EndedAt,
			PacketCount: sess.PacketCount, BestLapMs: sess.BestLapMs, FinalLapCount: sess.FinalLapCount,
			NDJSONPath: sess.NDJSONPath, MetaPath: sess.MetaPath,
		})
	}))

	fo.OnFrame(func(f protocol.Frame) {
		m.IncFramesDecoded()
		az.Feed(f)
		sessLog.Feed(f)
	})

	handler := ws.NewHandler(fo, az, voiceOrch, cfgStore)
	sink.attach(handler)

	go func() {
		calloutTicker := time.NewTicker(time.Second)
		defer calloutTicker.Stop()
		contextTicker := time.NewTicker(5 * time.Second)
		defer contextTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-calloutTicker.C:
				snap := az.Snapshot()
				calloutsOut := calloutEngine.EvaluatePeriodic(snap, activeVerbosity(voiceOrch, cfg.verbosity))
				if len(calloutsOut) > 0 {
					m.IncCalloutsFired(len(calloutsOut))
					voiceOrch.DeliverCallouts(ctx, calloutsOut)
				}
			case <-contextTicker.C:
				voiceOrch.UpdateContext(ctx, az.Snapshot())
			}
		}
	}()

	disc, err := discovery.New(discovery.Config{
		RecvPort:     cfg.recvPort,
		SendPort:     cfg.sendPort,
		ExplicitPeer: cfg.ps5IP,
	}, func(d discovery.Datagram) bool {
		f, err := dec.Decode(d.Payload)
		if err != nil {
			m.IncFramesDropped()
			return false
		}
		fo.Deliver(f)
		m.IncBroadcastSent()
		return true
	})
	if err != nil {
		slog.Error("start discovery", "err", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	go disc.Run(ctx)
	go m.Run(ctx, 5*time.Second)

	if cfg.testCar != "" {
		go runTestCar(ctx, cfg.testCar, cfg.recvPort)
	}

	if cfg.apiAddr != "" {
		httpapi.Version = Version
		apiSrv := httpapi.New(disc, fo, cfgStore, st, m)
		go func() {
			if err := apiSrv.Run(ctx, cfg.apiAddr); err != nil {
				slog.Error("api server", "err", err)
			}
		}()
		slog.Info("rest api listening", "addr", cfg.apiAddr)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	handler.Register(e)

	go func() {
		if err := e.Start(cfg.wsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ws server", "err", err)
			cancel()
		}
	}()
	slog.Info("websocket listening", "addr", cfg.wsAddr)

	<-ctx.Done()
	sessLog.Shutdown()

	shutCtx, cancelShut := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShut()
	_ = e.Shutdown(shutCtx)
}

// activeVerbosity reports the connected engineer session's own verbosity
// choice, falling back to the operator's startup default only when no
// session is currently active to have chosen one.
func activeVerbosity(vo *voice.Orchestrator, fallback int) int {
	if v, ok := vo.ActiveVerbosity(); ok {
		return v
	}
	return fallback
}

// voiceKeyValidator is the narrow contract internal/config needs to test a
// submitted API key against the external voice provider. Talking to that
// provider is explicitly out of this relay's scope (an external
// collaborator); this placeholder accepts any non-empty key so the relay
// runs standalone until a real provider client is wired in.
func voiceKeyValidator(ctx context.Context, key string) error {
	return nil
}

var errUnconfiguredVoiceProvider = errors.New("voice model provider is not configured")

// unconfiguredVoiceFactory is the production SessionFactory until a real
// generative voice provider client is wired in; it reports a clear error
// rather than silently doing nothing when a client requests the engineer.
func unconfiguredVoiceFactory(ctx context.Context, systemInstruction, voiceName string) (voice.ModelSession, <-chan voice.ModelEvent, error) {
	ch := make(chan voice.ModelEvent)
	close(ch)
	return nil, ch, errUnconfiguredVoiceProvider
}
