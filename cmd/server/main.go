package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pumpcat/internal/broadcast"
	"github.com/aristath/pumpcat/internal/category"
	"github.com/aristath/pumpcat/internal/categorymgr"
	"github.com/aristath/pumpcat/internal/config"
	"github.com/aristath/pumpcat/internal/curve"
	"github.com/aristath/pumpcat/internal/database"
	"github.com/aristath/pumpcat/internal/domain"
	"github.com/aristath/pumpcat/internal/enrichment"
	"github.com/aristath/pumpcat/internal/evaluator"
	"github.com/aristath/pumpcat/internal/events"
	"github.com/aristath/pumpcat/internal/ingest"
	"github.com/aristath/pumpcat/internal/reliability"
	"github.com/aristath/pumpcat/internal/scanner"
	"github.com/aristath/pumpcat/internal/scheduler"
	"github.com/aristath/pumpcat/internal/server"
	"github.com/aristath/pumpcat/internal/storage"
	"github.com/aristath/pumpcat/pkg/logger"
)

// shutdownTimeout bounds the ordered shutdown sequence in spec.md section 5.
const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stdout).Error().Err(err).Msg("invalid configuration")
		return 1
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Msg("starting pumpcat")

	categoryCfg, err := category.Load()
	if err != nil {
		log.Error().Err(err).Msg("invalid category configuration")
		return 1
	}
	categoryStore := category.NewStore(categoryCfg)

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Error().Err(err).Msg("failed to open database")
		return 1
	}
	defer db.Close()

	store, err := storage.New(db.Conn(), log)
	if err != nil {
		log.Error().Err(err).Msg("failed to bootstrap schema")
		return 1
	}

	eventsMgr := events.NewManager(log)
	hub := broadcast.New(log)
	eventsMgr.Subscribe(hub.Publish)

	reliabilityTracker := reliability.New(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	categoryMgr := categorymgr.New(store, categoryStore, eventsMgr, log)
	categoryMgr.Start(ctx)
	if err := categoryMgr.Rehydrate(ctx); err != nil {
		log.Error().Err(err).Msg("failed to rehydrate category automatons")
	}

	evaluatorSvc := evaluator.New(categoryStore.Get, store)
	evalQueue := evaluator.NewQueue(evaluatorSvc, store, eventsMgr, log, 2, 256)
	defer evalQueue.Stop()

	enrichmentPool := enrichment.New(&unimplementedFetcher{}, store, eventsMgr, log, 4)
	enrichmentPool.Start(ctx)
	defer enrichmentPool.Stop()

	scan := scanner.New(categoryMgr, store, categoryStore.Get, eventsMgr, newScanHandler(store), log)
	if err := scan.Start(); err != nil {
		log.Error().Err(err).Msg("failed to start scanner")
		return 1
	}
	defer scan.Stop()

	pipeline := ingest.New(&unimplementedDialer{}, store, categoryMgr, categoryStore.Get, eventsMgr, enrichmentPool, evalQueue, log)
	pipeline.SetReliability(reliabilityTracker)

	solPriceJob := scheduler.New(log)
	solPriceJob.Start()
	if err := solPriceJob.AddJob("0 */5 * * * *", solPriceSnapshotJob{store: store}); err != nil {
		log.Error().Err(err).Msg("failed to register sol price snapshot job")
	}
	defer solPriceJob.Stop()

	httpServer := server.New(server.Config{
		Port:        cfg.Port,
		Log:         log,
		DevMode:     cfg.DevMode,
		AdminToken:  cfg.AdminToken,
		Reliability: reliabilityTracker,
		CategoryMgr: categoryMgr,
		Scanner:     scan,
		Hub:         hub,
	})

	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- pipeline.Run(ctx) }()

	go func() {
		if err := httpServer.Start(); err != nil {
			log.Error().Err(err).Msg("admin server stopped")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("pumpcat started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-quit:
		log.Info().Msg("shutdown signal received")
	case err := <-pipelineDone:
		log.Error().Err(err).Msg("ingestion pipeline exited unexpectedly")
		exitCode = 2
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	cancel() // stop the pipeline, category dispatch, enrichment workers; the scanner stops via its deferred Stop

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin server forced to shutdown")
	}
	categoryMgr.Stop()

	log.Info().Msg("pumpcat stopped")
	return exitCode
}

// newScanHandler builds the per-category scan callback. A full scan would
// call out to external security and holder-distribution providers; those
// are the same class of external collaborator the ingestion Dialer and
// enrichment Fetcher abstract away, so this handler only re-reads the
// token's already-ingested market cap and reports success.
func newScanHandler(store *storage.Store) scanner.Handler {
	return func(ctx context.Context, tokenAddress string, cat category.Category) domain.ScanResult {
		start := time.Now()
		token, found, err := store.GetToken(tokenAddress)
		if err != nil {
			return domain.ScanResult{Success: false, Err: err, DurationMS: time.Since(start).Milliseconds()}
		}
		if !found {
			return domain.ScanResult{Success: false, Err: errTokenNotFound, DurationMS: time.Since(start).Milliseconds()}
		}
		mc := token.MarketCapUSD
		return domain.ScanResult{Success: true, MarketCapUSD: &mc, DurationMS: time.Since(start).Milliseconds()}
	}
}

var errTokenNotFound = &unimplementedError{"token not found"}

// unimplementedDialer is the boundary where a real gRPC firehose client
// plugs in; building that client is an explicit non-goal of this system,
// so Dial returns an error rather than fabricating a feed.
type unimplementedDialer struct{}

func (d *unimplementedDialer) Dial(ctx context.Context) (ingest.Stream, error) {
	return nil, &unimplementedError{"no gRPC feed adapter configured"}
}

// unimplementedFetcher is the boundary where a real metadata provider
// plugs in.
type unimplementedFetcher struct{}

func (f *unimplementedFetcher) Fetch(ctx context.Context, tokenAddress string) (enrichment.Metadata, error) {
	return enrichment.Metadata{}, &unimplementedError{"no metadata provider configured"}
}

type unimplementedError struct{ msg string }

func (e *unimplementedError) Error() string { return e.msg }

// solPriceSnapshotJob persists the pipeline's in-memory SOL/USD reference
// price into sol_price_history on a fixed cadence, satisfying
// internal/scheduler's generic Job interface.
type solPriceSnapshotJob struct {
	store *storage.Store
}

func (j solPriceSnapshotJob) Name() string { return "sol_price_snapshot" }

func (j solPriceSnapshotJob) Run() error {
	return j.store.InsertSolPrice(curve.SolPriceUSD(), time.Now())
}
