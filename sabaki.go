// Package sabaki is the public API for embedding the sabaki network
// observer.
//
// Consumers import this package to construct and run the service without
// forking it:
//
//	app, err := sabaki.New(ctx,
//	    sabaki.WithVersion(version),
//	    sabaki.WithLogger(logger),
//	    sabaki.WithVerdictHook(myHook),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: sabaki (root) imports
// internal/*, but internal/* never imports sabaki (root). Public types
// (Verdict) are standalone structs with no internal imports; the conversion
// helper toPublicVerdict lives here because this is the only file that sees
// both sides of the boundary.
package sabaki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ashita-ai/sabaki/api"
	"github.com/ashita-ai/sabaki/internal/anomaly"
	"github.com/ashita-ai/sabaki/internal/cache"
	"github.com/ashita-ai/sabaki/internal/config"
	"github.com/ashita-ai/sabaki/internal/dedup"
	"github.com/ashita-ai/sabaki/internal/heuristics"
	"github.com/ashita-ai/sabaki/internal/ledger"
	"github.com/ashita-ai/sabaki/internal/model"
	"github.com/ashita-ai/sabaki/internal/pipeline"
	"github.com/ashita-ai/sabaki/internal/reasoning"
	"github.com/ashita-ai/sabaki/internal/server"
	"github.com/ashita-ai/sabaki/internal/signature"
	"github.com/ashita-ai/sabaki/internal/telemetry"
	"github.com/ashita-ai/sabaki/internal/upstream"
)

// App is the sabaki service lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	version string

	cache   *cache.Cache
	store   *signature.Store
	anomaly *anomaly.Engine
	ledger  *ledger.Ledger
	pipe    *pipeline.Pipeline
	poller  *upstream.Poller // nil when no upstream is configured
	broker  *server.Broker
	srv     *server.Server
	hooks   []VerdictHook
}

// New initialises the service. It loads configuration, opens the ledger
// stores, and wires all subsystems. It does NOT start any goroutines or
// accept HTTP connections — call Run().
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.port != 0 {
		cfg.Port = o.port
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("sabaki: create data dir: %w", err)
	}

	app := &App{
		cfg:     cfg,
		logger:  logger,
		version: version,
		hooks:   o.verdictHooks,
	}

	app.cache = cache.New(cache.Config{
		MemoryCapacity: cfg.CacheMemoryCapacity,
		DiskPath:       cfg.CacheDiskPath,
	}, logger)

	app.store = signature.NewStore(filepath.Join(cfg.DataDir, "signatures.snapshot"), logger)
	classifier := signature.NewClassifier(app.store, 0)
	learner := signature.NewLearner(app.store, logger)
	heur := heuristics.NewEngine(logger)
	app.anomaly = anomaly.NewEngine(logger)

	var reasoner *reasoning.Client
	if cfg.ReasoningEnabled() {
		reasoner = reasoning.NewClient(cfg.ReasoningURL, cfg.ReasoningAPIKey, logger)
	} else {
		logger.Warn("reasoning tier disabled (no URL or API key); all verdicts stay local")
	}

	// Ledger failures degrade rather than abort: the mirror is required,
	// but a missing remote sink only loses off-box persistence.
	app.ledger, err = ledger.New(ctx, ledger.Config{
		DataDir: cfg.DataDir,
		DSN:     cfg.LedgerDSN,
		Table:   cfg.LedgerTable,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("sabaki: ledger: %w", err)
	}

	app.broker = server.NewBroker(logger)

	app.pipe = pipeline.New(pipeline.Deps{
		Dedup:      dedup.NewWindow(logger, cfg.DedupWindow),
		Cache:      app.cache,
		Classifier: classifier,
		Store:      app.store,
		Learner:    learner,
		Heuristics: heur,
		Anomaly:    app.anomaly,
		Reasoning:  reasoner,
		Ledger:     app.ledger,
		Publish:    app.publish,
	}, pipeline.Config{Workers: cfg.WorkerPoolSize}, logger)

	if cfg.UpstreamEnabled() {
		client := upstream.NewClient(cfg.UpstreamURLs, cfg.UpstreamUser, cfg.UpstreamPass, cfg.UpstreamTimeout, logger)
		app.poller = upstream.NewPoller(client, cfg.PollInterval, cfg.BatchLimit, app.pipe.Enqueue, logger)
	} else {
		logger.Warn("upstream poller disabled (no SABAKI_UPSTREAM_URLS); manual analysis only")
	}

	handlers := server.NewHandlers(app.pipe, app.broker, logger, version)
	app.srv = server.New(server.Config{
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Version:             version,
		OpenAPISpec:         api.OpenAPISpec,
	}, handlers, logger)

	return app, nil
}

// publish fans a committed verdict out to SSE subscribers and registered
// hooks. Called from worker goroutines; must not block.
func (a *App) publish(v model.Verdict) {
	a.broker.Publish(v)
	if len(a.hooks) == 0 {
		return
	}
	pub := toPublicVerdict(v)
	for _, hook := range a.hooks {
		go hook(pub)
	}
}

// Run starts all subsystems and blocks until ctx is cancelled or the HTTP
// server fails. Shutdown is staged: stop intake first, then drain analysis,
// then flush persistence.
func (a *App) Run(ctx context.Context) error {
	otelShutdown, err := telemetry.Init(ctx, a.cfg.OTELEndpoint, a.cfg.ServiceName, a.version, a.cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("sabaki: telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	a.logger.Info("sabaki starting", "version", a.version, "port", a.cfg.Port)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.cache.Start(runCtx)
	a.store.Start(runCtx)
	a.anomaly.Start(runCtx)
	a.ledger.Start(runCtx)
	a.pipe.Start(runCtx)
	if a.poller != nil {
		a.poller.Start(runCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases.
	// Order: (1) stop accepting HTTP requests, (2) stop polling, (3) drain
	// in-flight analysis (workers may still append to the ledger), (4) drain
	// the anomaly updater, (5) flush the signature snapshot, (6) flush the
	// ledger writer, (7) close the cache disk tier.
	a.logger.Info("sabaki shutting down")
	cancel()

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.poller != nil {
		pollCtx, pollCancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.poller.Drain(pollCtx)
		pollCancel()
	}

	pipeCtx, pipeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	a.pipe.Drain(pipeCtx)
	pipeCancel()

	anomCtx, anomCancel := context.WithTimeout(context.Background(), 5*time.Second)
	a.anomaly.Drain(anomCtx)
	anomCancel()

	storeCtx, storeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	a.store.Drain(storeCtx)
	storeCancel()

	ledgerCtx, ledgerCancel := context.WithTimeout(context.Background(), 10*time.Second)
	a.ledger.Drain(ledgerCtx)
	ledgerCancel()

	a.cache.Close()

	a.logger.Info("sabaki stopped")
	return nil
}

// Handler returns the fully wired HTTP handler, for embedding and tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

func toPublicVerdict(v model.Verdict) Verdict {
	return Verdict{
		ID:           v.ID,
		Domain:       v.Domain,
		Risk:         string(v.Risk),
		Category:     v.Category,
		Summary:      v.Summary,
		IsAnomaly:    v.IsAnomaly,
		AnomalyScore: v.AnomalyScore,
		Entropy:      v.Entropy,
		Source:       string(v.Source),
		Manual:       v.Manual,
		DecidedAt:    v.DecidedAt,
	}
}
