// Package app wires all ClassPulse subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems (session store, viewer tokens, telephony control plane, media
// bridge dialer, summary synthesizer, tool/asset plane), Run serves HTTP
// until the context is cancelled, and Shutdown tears everything down in
// order.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vignesh-oai/ClassPulse/internal/assets"
	"github.com/vignesh-oai/ClassPulse/internal/bridge"
	"github.com/vignesh-oai/ClassPulse/internal/bridge/carrierclient"
	"github.com/vignesh-oai/ClassPulse/internal/bridge/modelclient"
	"github.com/vignesh-oai/ClassPulse/internal/config"
	"github.com/vignesh-oai/ClassPulse/internal/health"
	"github.com/vignesh-oai/ClassPulse/internal/observe"
	"github.com/vignesh-oai/ClassPulse/internal/sessionstore"
	"github.com/vignesh-oai/ClassPulse/internal/summary"
	"github.com/vignesh-oai/ClassPulse/internal/telephony"
	"github.com/vignesh-oai/ClassPulse/internal/toolplane"
	"github.com/vignesh-oai/ClassPulse/internal/viewerfeed"
	"github.com/vignesh-oai/ClassPulse/internal/viewertoken"
)

// App owns all subsystem lifetimes and serves the ClassPulse HTTP surface:
// the telephony control plane, the carrier media-stream websocket, the
// viewer fan-out websocket, the tool/asset plane, static widgets, health
// checks, and metrics.
type App struct {
	cfg *config.Config

	// rootCtx is the lifetime context passed to New. Each bridge derives its
	// per-call context from it, so a real server shutdown (rootCtx cancelled)
	// and a CALL_MAX_DURATION_SECONDS cutoff (a timeout derived from rootCtx
	// expiring) are distinguishable by the bridge via ctx.Err().
	rootCtx context.Context

	store      *sessionstore.Store
	tokens     *viewertoken.Service
	telephony  *telephony.Controller
	summarizer *summary.Synthesizer
	metrics    *observe.Metrics

	server *http.Server

	otelShutdown func(context.Context) error

	wg sync.WaitGroup
}

// Option is a functional option for New. Used by tests to inject doubles
// for subsystems that would otherwise make real network calls.
type Option func(*App)

// WithStore injects a session store instead of creating one.
func WithStore(s *sessionstore.Store) Option {
	return func(a *App) { a.store = s }
}

// New wires every subsystem from cfg and returns a ready-to-run App.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, rootCtx: ctx}
	for _, o := range opts {
		o(a)
	}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "classpulse",
	})
	if err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}
	a.otelShutdown = shutdown

	a.metrics = observe.DefaultMetrics()

	if a.store == nil {
		a.store = sessionstore.NewStore(sessionstore.WithMetrics(a.metrics))
	}
	a.tokens = viewertoken.New(cfg.ViewerTokenSecret())

	a.telephony = telephony.New(a.store, a.tokens, telephony.Config{
		AccountSID:      cfg.TwilioAccountSID,
		AuthToken:       cfg.TwilioAuthToken,
		FromNumber:      cfg.TwilioFromNumber,
		ToNumberDefault: cfg.TwilioToNumberDefault,
		PublicURL:       cfg.PublicURL,
		Metrics:         a.metrics,
	}, nil)

	a.summarizer = summary.New(a.store, summary.Config{
		APIKey:       cfg.OpenAIAPIKey,
		Model:        cfg.OpenAISummaryModel,
		ContactLabel: cfg.CallParentRelationship,
	}, a.metrics, nil)

	a.server = &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: a.buildMux(),
	}

	return a, nil
}

// buildMux assembles the full HTTP routing surface (spec.md §6).
func (a *App) buildMux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /twilio/twiml", a.telephony.HandleCallControlDocument)
	mux.HandleFunc("GET /twilio/twiml", a.telephony.HandleCallControlDocument)
	mux.HandleFunc("POST /twilio/status", a.telephony.HandleStatusCallback)
	mux.HandleFunc("GET /twilio/call", a.handleCarrierMediaStream)

	viewerHandler := viewerfeed.New(a.store, a.tokens, a.metrics)
	mux.HandleFunc("GET /twilio/logs", viewerHandler.ServeHTTP)

	deps := toolplane.Deps{
		Telephony:     a.telephony,
		Summarizer:    a.summarizer,
		Store:         a.store,
		PresentNumber: a.cfg.TwilioFromNumber,
		StudentName:   a.cfg.CallStudentName,
		ParentName:    a.cfg.CallParentName,
		ParentRel:     a.cfg.CallParentRelationship,
		ParentNumber:  a.cfg.CallParentNumberLabel,
	}
	mcpHandler := toolplane.NewHandler(toolplane.NewServer(deps))
	mux.Handle("/mcp", mcpHandler)
	mux.Handle("/mcp/", mcpHandler)

	assetsDir := a.cfg.AssetsDir()
	manifest, err := assets.LoadManifest(assetsDir + "/widgets.yaml")
	if err != nil {
		slog.Warn("failed to load widget manifest, continuing without it", "err", err)
		manifest = nil
	}
	assetRegistry := assets.New(assetsDir, manifest)
	mux.Handle("/assets/", assetRegistry)

	healthHandler := health.New(health.SessionStoreChecker(a.store))
	healthHandler.Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(a.metrics)(mux)
}

// handleCarrierMediaStream upgrades the carrier's bidirectional media
// stream request and runs a [bridge.Bridge] for its lifetime, applying the
// CALL_MAX_DURATION_SECONDS safety cutoff documented in SPEC_FULL.md.
func (a *App) handleCarrierMediaStream(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("carrier media stream: accept failed", "err", err)
		return
	}

	ctx := a.rootCtx
	cancel := func() {}
	if d := a.cfg.CallMaxDurationSeconds; d > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(d)*time.Second)
	}

	conn := carrierclient.New(ws)

	tmpl, _ := bridge.LoadTemplate(a.cfg.OpenAIRealtimePromptTemplate)

	b := bridge.New(a.store, conn, bridge.Config{
		ModelConfig: modelclient.Config{
			APIKey:             a.cfg.OpenAIAPIKey,
			Model:              a.cfg.OpenAIRealtimeModel,
			Voice:              a.cfg.OpenAIRealtimeVoice,
			TranscriptionModel: a.cfg.OpenAIRealtimeTranscriptModel,
		},
		PromptTemplate: tmpl,
		PromptDefaults: bridge.PromptDefaults{
			StudentName:          a.cfg.CallStudentName,
			ParentName:           a.cfg.CallParentName,
			ParentRelationship:   a.cfg.CallParentRelationship,
			ParentNumberLabel:    a.cfg.CallParentNumberLabel,
			SchoolName:           a.cfg.CallSchoolName,
			TeacherRole:          a.cfg.CallTeacherRole,
			FallbackInstructions: a.cfg.OpenAIRealtimeSystemPrompt,
		},
		Dial:    modelclient.Connect,
		Metrics: a.metrics,
	})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		b.Run(ctx)
	}()
}

// Run starts serving HTTP until ctx is cancelled, then shuts the server down
// gracefully.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("classpulse listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return a.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server, waits for in-flight bridges to
// drain, and flushes telemetry.
func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var shutdownErr error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		shutdownErr = fmt.Errorf("app: http shutdown: %w", err)
	}

	waitDone := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-shutdownCtx.Done():
		slog.Warn("shutdown: bridges still draining at deadline")
	}

	if a.otelShutdown != nil {
		if err := a.otelShutdown(shutdownCtx); err != nil {
			slog.Warn("observability shutdown error", "err", err)
		}
	}

	return shutdownErr
}

// Store returns the session store, primarily for tests and the tool/asset
// plane's direct-access needs.
func (a *App) Store() *sessionstore.Store { return a.store }

// Handler returns the fully assembled HTTP handler, for tests that want to
// drive the routing surface without binding a real listener.
func (a *App) Handler() http.Handler { return a.server.Handler }
