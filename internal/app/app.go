// Package app wires all dialvox subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown
// drains live calls and tears everything down in order.
//
// For testing, inject doubles via functional options (WithDatabase,
// WithRedis, WithTelephony, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dialvox/dialvox/internal/api"
	"github.com/dialvox/dialvox/internal/campaign"
	"github.com/dialvox/dialvox/internal/config"
	"github.com/dialvox/dialvox/internal/coord"
	"github.com/dialvox/dialvox/internal/dialer"
	"github.com/dialvox/dialvox/internal/health"
	"github.com/dialvox/dialvox/internal/observe"
	"github.com/dialvox/dialvox/internal/reconcile"
	"github.com/dialvox/dialvox/internal/slot"
	"github.com/dialvox/dialvox/internal/store"
	"github.com/dialvox/dialvox/internal/sttpool"
	"github.com/dialvox/dialvox/internal/telephony"
	"github.com/dialvox/dialvox/internal/voice"
	"github.com/dialvox/dialvox/internal/waitlist"
	"github.com/dialvox/dialvox/pkg/knowledge"
	knowledgepg "github.com/dialvox/dialvox/pkg/knowledge/postgres"
	"github.com/dialvox/dialvox/pkg/provider/embeddings"
	"github.com/dialvox/dialvox/pkg/provider/llm"
	"github.com/dialvox/dialvox/pkg/provider/stt"
	"github.com/dialvox/dialvox/pkg/provider/tts"
)

// schedulerInterval paces the campaign scheduler tick: scheduled campaigns
// start, due retries re-enqueue.
const schedulerInterval = 15 * time.Second

// Providers holds one interface value per pipeline role. Nil means the role
// is not configured. Populated by main via the config registry.
type Providers struct {
	LLM         llm.Provider
	STT         stt.Provider
	STTRegional stt.Provider
	STTBatch    stt.Provider
	TTS         tts.Provider
	Embeddings  embeddings.Provider
}

// Empty reports whether no provider is configured at all. The readiness
// probe uses it: a server without a pipeline cannot take calls.
func (p *Providers) Empty() bool {
	return p == nil || (p.LLM == nil && p.STT == nil && p.STTRegional == nil &&
		p.STTBatch == nil && p.TTS == nil && p.Embeddings == nil)
}

// Database is the persistence surface the engine needs. *store.Postgres
// implements it; tests inject the in-memory mock.
type Database interface {
	store.CampaignStore
	store.ContactStore
	store.SessionStore
	store.AgentStore
	store.PhoneStore
}

var _ Database = (*store.Postgres)(nil)

// App owns all subsystem lifetimes and orchestrates the dialvox engine.
type App struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger

	// level is the handler's level var; nil means log-level reloads are
	// not applied live.
	level *slog.LevelVar

	db  Database
	pg  *store.Postgres // set when New opened the store itself
	rdb *redis.Client

	metrics     *observe.Metrics
	slots       *slot.Manager
	wl          *waitlist.Waitlist
	promoter    *waitlist.Promoter
	dispatcher  *campaign.Service
	orch        *dialer.Orchestrator
	dialer      campaign.Dialer
	pool        *sttpool.Pool
	registry    *Registry
	retriever   knowledge.Retriever
	gateway     telephony.Client
	sessionOpts []voice.Option

	apiSrv  *api.Server
	httpSrv *http.Server

	// Reconciler lifecycle. The runner is restartable so interval
	// reloads can take effect without a process restart.
	recMu        sync.Mutex
	runCtx       context.Context
	recCancel    context.CancelFunc
	recDone      chan struct{}
	reconcileCfg config.ReconcileConfig

	// closers run in reverse-init order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDatabase injects a persistence store instead of opening Postgres
// from config.
func WithDatabase(db Database) Option {
	return func(a *App) { a.db = db }
}

// WithRedis injects a Redis client instead of dialing from config.
func WithRedis(rdb *redis.Client) Option {
	return func(a *App) { a.rdb = rdb }
}

// WithTelephony injects a telephony gateway instead of the Exotel client.
func WithTelephony(gw telephony.Client) Option {
	return func(a *App) { a.gateway = gw }
}

// WithRetriever injects a knowledge retriever instead of the pgvector one.
func WithRetriever(r knowledge.Retriever) Option {
	return func(a *App) { a.retriever = r }
}

// WithLogger sets the logger threaded through every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithLogLevel wires the handler's level var so log-level config reloads
// apply live.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithSessionOptions applies extra options to every voice session. Tests
// shrink the turn timers through these.
func WithSessionOptions(opts ...voice.Option) Option {
	return func(a *App) { a.sessionOpts = opts }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers
// struct comes from main (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:          cfg,
		providers:    providers,
		reconcileCfg: cfg.Reconcile,
	}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.providers == nil {
		a.providers = &Providers{}
	}

	// ── 1. Metrics ───────────────────────────────────────────────────────
	met, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.metrics = met

	// ── 2. Persistence ───────────────────────────────────────────────────
	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	// ── 3. Coordination ──────────────────────────────────────────────────
	if err := a.initCoordination(ctx); err != nil {
		return nil, fmt.Errorf("app: init coordination: %w", err)
	}

	// ── 4. Knowledge retrieval ───────────────────────────────────────────
	if err := a.initKnowledge(ctx); err != nil {
		return nil, fmt.Errorf("app: init knowledge: %w", err)
	}

	// ── 5. Recognizer pool ───────────────────────────────────────────────
	if err := a.initPool(); err != nil {
		return nil, fmt.Errorf("app: init stt pool: %w", err)
	}

	// ── 6. Telephony gateway ─────────────────────────────────────────────
	a.initGateway()

	// ── 7. Engine ────────────────────────────────────────────────────────
	a.initEngine()

	// ── 8. HTTP server ───────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStores opens the Postgres store unless one was injected.
func (a *App) initStores(ctx context.Context) error {
	if a.db != nil {
		return nil
	}
	dsn := a.cfg.Postgres.DSN
	if dsn == "" {
		return fmt.Errorf("postgres.dsn is required when no store is injected")
	}
	pg, err := store.New(ctx, dsn)
	if err != nil {
		return err
	}
	a.db = pg
	a.pg = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

// initCoordination dials Redis and builds the slot manager, the waitlist,
// and the promoter on top of it.
func (a *App) initCoordination(ctx context.Context) error {
	if a.rdb == nil {
		rdb, err := coord.Dial(ctx, coord.Config{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		}, a.logger)
		if err != nil {
			return err
		}
		a.rdb = rdb
		a.closers = append(a.closers, rdb.Close)
	}

	a.slots = slot.NewManager(a.rdb, slot.WithLogger(a.logger))
	a.wl = waitlist.NewWaitlist(a.rdb, waitlist.WithWaitlistLogger(a.logger))
	a.promoter = waitlist.NewPromoter(a.rdb, a.wl, a.slots, a.dispatch,
		waitlist.WithPromoterLogger(a.logger))

	reg, err := observe.RegisterCampaignGauge(otel.GetMeterProvider(), a.promoter.WatchCount)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, reg.Unregister)
	return nil
}

// initKnowledge builds the pgvector retriever when an embeddings provider
// is configured. Without one, retrieval is disabled and agents answer from
// their prompts alone.
func (a *App) initKnowledge(ctx context.Context) error {
	if a.retriever != nil {
		return nil
	}
	if a.providers.Embeddings == nil {
		a.logger.Info("no embeddings provider; knowledge retrieval disabled")
		return nil
	}
	dsn := a.cfg.Postgres.DSN
	if dsn == "" {
		a.logger.Warn("embeddings provider configured but postgres.dsn is empty; knowledge retrieval disabled")
		return nil
	}

	dims := a.cfg.Knowledge.EmbeddingDimensions
	if dims == 0 {
		dims = 1536 // matches text-embedding-3-small
	}
	ks, err := knowledgepg.NewStore(ctx, dsn, dims)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		ks.Close()
		return nil
	})

	var kopts []knowledge.Option
	if k := a.cfg.Knowledge.TopK; k > 0 {
		kopts = append(kopts, knowledge.WithTopK(k))
	}
	if s := a.cfg.Knowledge.MinScore; s > 0 {
		kopts = append(kopts, knowledge.WithMinScore(s))
	}
	a.retriever = knowledge.NewRetriever(ks, a.providers.Embeddings, kopts...)
	return nil
}

// initPool sizes the shared streaming-recognizer pool. Without a streaming
// STT provider every session falls back to batch transcription.
func (a *App) initPool() error {
	if a.providers.STT == nil {
		a.logger.Info("no streaming STT provider; sessions fall back to batch transcription")
		return nil
	}

	var opts []sttpool.Option
	if n := a.cfg.STTPool.MaxStreams; n > 0 {
		opts = append(opts, sttpool.WithMaxConns(n))
	}
	if n := a.cfg.STTPool.QueueCap; n > 0 {
		opts = append(opts, sttpool.WithQueueCap(n))
	}
	if d := config.Duration(a.cfg.STTPool.AcquireTimeout); d > 0 {
		opts = append(opts, sttpool.WithAcquireTimeout(d))
	}
	a.pool = sttpool.New(a.providers.STT, opts...)
	a.closers = append(a.closers, a.pool.Close)

	reg, err := observe.RegisterPoolGauges(otel.GetMeterProvider(), a.pool.Metrics)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, reg.Unregister)
	return nil
}

// initGateway creates the Exotel client unless a gateway was injected.
func (a *App) initGateway() {
	if a.gateway != nil {
		return
	}
	timeout := config.Duration(a.cfg.Telephony.ConnectTimeout)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a.gateway = telephony.NewExotel(
		telephony.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
}

// initEngine builds the session registry, the dispatcher, and the dial
// orchestrator. The three form a cycle (the dispatcher dials through the
// orchestrator, the orchestrator settles outcomes through the dispatcher,
// both close streams through the registry), broken with getters resolved
// at call time.
func (a *App) initEngine() {
	var pool voice.STTPool
	if a.pool != nil {
		pool = a.pool
	}
	a.registry = NewRegistry(RegistryDeps{
		Sessions:       a.db,
		Agents:         a.db,
		Calls:          func() voice.CallEnder { return a.orch },
		Pool:           pool,
		Sarvam:         a.providers.STTRegional,
		Whisper:        a.providers.STTBatch,
		LLM:            a.providers.LLM,
		TTS:            a.providers.TTS,
		Retriever:      a.retriever,
		Metrics:        a.metrics,
		Logger:         a.logger,
		SessionOptions: a.sessionOpts,
	})

	a.dispatcher = campaign.NewService(campaign.Deps{
		Campaigns:  a.db,
		Contacts:   a.db,
		Sessions:   a.db,
		Agents:     a.db,
		Phones:     a.db,
		Slots:      a.slots,
		Waitlist:   a.wl,
		Promoter:   a.promoter,
		Redis:      a.rdb,
		Dialer:     func() campaign.Dialer { return a.dialer },
		Registry:   a.registry,
		Logger:     a.logger,
		DialRate:   rate.Limit(a.cfg.Dialer.DialRate),
		JobTimeout: config.Duration(a.cfg.Dialer.JobTimeout),
		PurgeGrace: config.Duration(a.cfg.Dialer.PurgeGrace),
	})

	a.orch = dialer.New(dialer.Deps{
		Sessions:         a.db,
		Campaigns:        a.db,
		Phones:           a.db,
		Slots:            a.slots,
		Gateway:          a.gateway,
		Redis:            a.rdb,
		Outcomes:         a.dispatcher,
		Registry:         a.registry,
		Logger:           a.logger,
		CredentialSecret: a.cfg.Telephony.CredentialSecret,
		PublicBaseURL:    a.cfg.Server.PublicURL,
	})

	a.dialer = &meteredDialer{next: a.orch, metrics: a.metrics}
}

// initHTTP assembles the health handler, the API server, and the listener.
func (a *App) initHTTP() {
	checks := []health.Checker{health.RedisChecker(a.rdb)}
	if a.pg != nil {
		checks = append(checks, health.PostgresChecker(a.pg))
	}
	checks = append(checks, health.ProvidersChecker(a.providers))

	a.apiSrv = api.NewServer(api.Deps{
		Campaigns:      a.dispatcher,
		Calls:          a.orch,
		Voice:          a.registry,
		Health:         health.New(checks...),
		Metrics:        a.metrics,
		MetricsHandler: promhttp.Handler(),
		Logger:         a.logger,
		PublicURL:      a.cfg.Server.PublicURL,
	})

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.apiSrv,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the engine and blocks until ctx is cancelled or a fatal error
// occurs. It serves HTTP, ticks the campaign scheduler, and runs the
// background reconciler.
func (a *App) Run(ctx context.Context) error {
	if err := a.dispatcher.Bootstrap(ctx); err != nil {
		a.logger.Warn("bootstrap pass failed; scheduler will retry", "error", err)
	}
	a.startReconciler(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.serveHTTP(gctx) })
	g.Go(func() error { return a.dispatcher.RunScheduler(gctx, schedulerInterval) })

	a.logger.Info("dialvox running",
		"addr", a.httpSrv.Addr,
		"public_url", a.cfg.Server.PublicURL,
		"tls", a.cfg.Server.TLS != nil,
	)
	return g.Wait()
}

// serveHTTP runs the listener until ctx is done, then shuts it down.
// Hijacked voice streams are not waited on here; Shutdown drains them
// through the registry.
func (a *App) serveHTTP(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errc <- a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			return
		}
		errc <- a.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutCtx); err != nil {
			a.logger.Warn("http shutdown error", "error", err)
		}
		<-errc
		return ctx.Err()
	}
}

// ─── Reconciler lifecycle ────────────────────────────────────────────────────

func (a *App) startReconciler(parent context.Context) {
	a.recMu.Lock()
	defer a.recMu.Unlock()
	a.runCtx = parent
	a.startReconcilerLocked()
}

func (a *App) startReconcilerLocked() {
	runner := reconcile.NewRunner(reconcile.Deps{
		Campaigns: a.db,
		Contacts:  a.db,
		Sessions:  a.db,
		Slots:     a.slots,
		Waitlist:  a.wl,
		Calls:     a.orch,
		Streams:   a.registry,
		Metrics:   a.metrics,
		Logger:    a.logger,
	}, reconcileOptions(a.reconcileCfg)...)

	ctx, cancel := context.WithCancel(a.runCtx)
	done := make(chan struct{})
	a.recCancel, a.recDone = cancel, done
	go func() {
		defer close(done)
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("reconciler stopped", "error", err)
		}
	}()
}

func (a *App) stopReconciler() {
	a.recMu.Lock()
	cancel, done := a.recCancel, a.recDone
	a.recCancel, a.recDone = nil, nil
	a.recMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// restartReconciler applies new repair-loop settings. When the runner is
// not started yet, only the stored config changes; Run picks it up.
func (a *App) restartReconciler(rc config.ReconcileConfig) {
	a.recMu.Lock()
	a.reconcileCfg = rc
	cancel, done := a.recCancel, a.recDone
	a.recCancel, a.recDone = nil, nil
	a.recMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	a.recMu.Lock()
	defer a.recMu.Unlock()
	if a.runCtx != nil && a.runCtx.Err() == nil {
		a.startReconcilerLocked()
	}
}

func reconcileOptions(rc config.ReconcileConfig) []reconcile.Option {
	var opts []reconcile.Option
	if d := config.Duration(rc.SweepInterval); d > 0 {
		opts = append(opts, reconcile.WithSweepInterval(d))
	}
	if d := config.Duration(rc.WaitlistInterval); d > 0 {
		opts = append(opts, reconcile.WithWaitlistInterval(d))
	}
	if d := config.Duration(rc.LedgerInterval); d > 0 {
		opts = append(opts, reconcile.WithLedgerInterval(d))
	}
	if d := config.Duration(rc.MaxCallAge); d > 0 {
		opts = append(opts, reconcile.WithMaxCallAge(d))
	}
	if d := config.Duration(rc.StuckAfter); d > 0 {
		opts = append(opts, reconcile.WithStuckThreshold(d))
	}
	return opts
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig reacts to a config file change. Only hot-reloadable sections
// are applied; [config.Diff] documents which those are.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	a.logger.Info("config changed", "sections", d.Fields())

	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.Level())
			a.logger.Info("log level updated", "level", string(d.NewLogLevel))
		} else {
			a.logger.Warn("log level changed but no level var is wired; restart to apply")
		}
	}
	if d.DialerChanged {
		a.dispatcher.SetDialRate(rate.Limit(new.Dialer.DialRate))
		a.logger.Info("dial pacing updated", "dial_rate", new.Dialer.DialRate)
	}
	if d.ReconcileChanged {
		a.restartReconciler(new.Reconcile)
		a.logger.Info("reconciler restarted")
	}
	if d.PoolChanged {
		a.logger.Warn("stt_pool sizing changed; the pool holds live streams and resizes on restart only")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains the engine and tears subsystems down in reverse-init
// order. It respects the context deadline: whatever has not finished when
// ctx expires is abandoned and the context error returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "live_sessions", a.registry.Len())

		// Stop promotions first so no new dials start while draining.
		a.promoter.Close()

		// Wait for in-flight dial jobs to settle their contacts.
		if err := a.drainJobs(ctx); err != nil {
			a.logger.Warn("dial jobs still in flight at deadline", "error", err)
			shutdownErr = err
		}

		// End live calls and wait for their pipelines to finalize.
		if err := a.registry.Drain(ctx, "server shutdown"); err != nil {
			a.logger.Warn("voice sessions still live at deadline", "error", err)
			shutdownErr = err
		}

		a.stopReconciler()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.logger.Warn("closer error", "index", i, "error", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) drainJobs(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.dispatcher.Drain()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// dispatch hands one promoted job to the dispatcher. Promotion is the
// commit point, so the metric is recorded here rather than inside the
// promoter.
func (a *App) dispatch(campaignID, jobID, preToken string, origin waitlist.Priority) {
	a.metrics.RecordPromotion(context.Background(), "promoted")
	a.dispatcher.Dispatch(campaignID, jobID, preToken, origin)
}

// meteredDialer counts dial attempts and times the gateway round trip.
type meteredDialer struct {
	next    campaign.Dialer
	metrics *observe.Metrics
}

var _ campaign.Dialer = (*meteredDialer)(nil)

func (d *meteredDialer) Dial(ctx context.Context, c *store.Campaign, contact *store.Contact, preToken string) (*store.CallSession, error) {
	start := time.Now()
	sess, err := d.next.Dial(ctx, c, contact, preToken)
	d.metrics.DialDuration.Record(ctx, time.Since(start).Seconds())
	status := "placed"
	if err != nil {
		status = "failed"
	}
	d.metrics.RecordDial(ctx, status)
	return sess, err
}
