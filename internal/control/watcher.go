// Package control wires the indexing components into a running service.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"k8s.io/utils/clock"

	"github.com/vietddude/roundwatcher/internal/core/config"
	"github.com/vietddude/roundwatcher/internal/core/schedule"
	"github.com/vietddude/roundwatcher/internal/indexing/blockcache"
	"github.com/vietddude/roundwatcher/internal/indexing/health"
	"github.com/vietddude/roundwatcher/internal/indexing/orchestrator"
	"github.com/vietddude/roundwatcher/internal/indexing/resolver"
	"github.com/vietddude/roundwatcher/internal/indexing/round"
	"github.com/vietddude/roundwatcher/internal/indexing/throttle"
	"github.com/vietddude/roundwatcher/internal/infra/chain"
	"github.com/vietddude/roundwatcher/internal/infra/chain/evm"
	redisclient "github.com/vietddude/roundwatcher/internal/infra/redis"
	"github.com/vietddude/roundwatcher/internal/infra/rpc/batch"
	"github.com/vietddude/roundwatcher/internal/infra/rpc/provider"
	"github.com/vietddude/roundwatcher/internal/infra/rpc/ratelimit"
	"github.com/vietddude/roundwatcher/internal/infra/storage"
	"github.com/vietddude/roundwatcher/internal/infra/storage/memory"
	"github.com/vietddude/roundwatcher/internal/infra/storage/postgres"
)

// Options override process-wide collaborators.
type Options struct {
	Clock  clock.WithTicker // default: wall clock
	Logger *slog.Logger     // default: slog.Default()
}

// Watcher is the main application struct that manages the indexer lifecycle.
type Watcher struct {
	cfg *config.AppConfig
	log *slog.Logger

	db          *postgres.DB
	redisClient *redisclient.Client
	transport   *provider.HTTPProvider
	limiter     *ratelimit.Limiter
	batcher     *batch.Provider
	adapter     chain.Adapter
	repo        storage.RoundRepository
	store       round.Store
	pacer       *throttle.Pacer

	indexer      *round.Indexer
	orchestrator *orchestrator.Orchestrator
	healthMon    *health.Monitor
	healthServer *health.Server

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a new Watcher instance with all dependencies initialized.
func NewWatcher(ctx context.Context, cfg *config.AppConfig, opts Options) (*Watcher, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	w := &Watcher{cfg: cfg, log: log}
	if err := w.initStorage(ctx, clk); err != nil {
		w.closeInfra()
		return nil, err
	}

	// 1. Transport: HTTP -> adaptive limiter -> batch coalescer
	w.transport = provider.NewHTTPProvider(string(cfg.Chain.ChainID), cfg.Chain.RPCURL, cfg.Chain.Timeout)
	w.limiter = ratelimit.New(cfg.RateLimit, clk, log)
	w.batcher = batch.NewProvider(w.transport, w.limiter, cfg.Batch, clk, log)

	filter := evm.BoostFilter{Fallback: cfg.Chain.BoostedFallback}
	if cfg.Chain.AuctionContract != "" {
		if !common.IsHexAddress(cfg.Chain.AuctionContract) {
			w.closeInfra()
			return nil, fmt.Errorf("invalid auction contract address %q", cfg.Chain.AuctionContract)
		}
		filter.AuctionContract = common.HexToAddress(cfg.Chain.AuctionContract)
	}
	w.adapter = evm.NewClient(w.batcher, evm.Config{
		ChainID:            cfg.Chain.ChainID,
		Filter:             filter,
		ReceiptConcurrency: cfg.Chain.ReceiptConcurrency,
		Logger:             log,
	})

	// 2. Timestamp resolution
	head := throttle.NewHeadCache(w.adapter, cfg.Throttle.HeadCacheTTL, clk)
	res := resolver.New(resolver.Config{
		Headers: w.adapter,
		Head:    head,
		Cache:   blockcache.New(cfg.Cache.Blocks),
		Retry:   cfg.Indexer.Retry,
		Clock:   clk,
		Logger:  log,
	})
	w.pacer = throttle.NewPacer(w.limiter, cfg.Throttle)

	// 3. Round source, indexer and orchestrator
	sched, err := schedule.NewFixedSchedule(cfg.Schedule, clk)
	if err != nil {
		w.closeInfra()
		return nil, err
	}

	w.indexer = round.NewIndexer(round.Config{
		Store:          w.store,
		Resolver:       res,
		Chain:          w.adapter,
		Limits:         w.limiter,
		Pacer:          w.pacer,
		Ranges:         w.repo,
		Clock:          clk,
		Logger:         log,
		TrackInterval:  cfg.Indexer.TrackInterval,
		MaxBlockWorker: cfg.Indexer.MaxBlockWorker,
	})

	deps := orchestrator.Deps{
		Indexer: w.indexer,
		Source:  sched,
		Repo:    w.repo,
		Poller:  w.pacer,
		Clock:   clk,
		Logger:  log,
	}
	if w.redisClient != nil {
		deps.Leaser = w.redisClient
	}
	w.orchestrator = orchestrator.New(cfg.Orchestrator, deps)

	// 4. Health
	w.healthMon = health.NewMonitor(health.Deps{
		Rounds:       sched,
		Stats:        w.repo,
		Limiter:      w.limiter,
		Providers:    []health.ProviderView{w.transport},
		Orchestrator: w.orchestrator,
		Pacer:        w.pacer,
		Indexer:      w.indexer,
		Ongoing:      w.indexer.Tracker(),
		Clock:        clk,
	}, cfg.Server.Health, cfg.Server.HealthInterval)
	w.healthServer = health.NewServer(w.healthMon, cfg.Server.Port, log)

	return w, nil
}

func (w *Watcher) initStorage(ctx context.Context, clk clock.PassiveClock) error {
	var stores []round.Store

	if w.cfg.Redis.Enabled() {
		client, err := redisclient.NewClient(w.cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to init redis: %w", err)
		}
		w.redisClient = client
		stores = append(stores, redisclient.NewRoundStore(client, w.cfg.Redis.RoundTTL))
		w.log.Info("Using Redis round cache and leases")
	}

	if w.cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, w.cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to init db: %w", err)
		}
		w.db = db
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		w.repo = postgres.NewRoundRepo(db)
		stores = append(stores, postgres.NewRoundStore(db))
		w.log.Info("Using PostgreSQL storage")
	} else {
		w.repo = memory.NewMemoryStorage(clk)
		stores = append(stores, round.NewMemoryStore())
		w.log.Info("Using Memory storage")
	}

	// Fastest first; each layer reads through the next.
	w.store = stores[len(stores)-1]
	for i := len(stores) - 2; i >= 0; i-- {
		w.store = &round.LayeredStore{Cache: stores[i], Backing: w.store}
	}
	return nil
}

// Start starts the watcher and all its components.
func (w *Watcher) Start(ctx context.Context) error {
	if id, err := w.adapter.ChainID(ctx); err != nil {
		w.log.Warn("Failed to read chain id", "error", err)
	} else if id != w.cfg.Chain.ChainID {
		w.log.Warn("Chain id mismatch", "configured", w.cfg.Chain.ChainID, "node", id)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	w.limiter.Start(runCtx)
	if w.db != nil {
		w.db.StartMetricsCollector(runCtx)
	}

	w.goRun("round indexer", func() error { return w.indexer.Run(runCtx) })
	w.goRun("ongoing tracker", func() error { return w.indexer.Tracker().Run(runCtx) })
	w.goRun("health server", w.healthServer.Start)

	if err := w.orchestrator.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	w.log.Info("Watcher started",
		"chain", w.cfg.Chain.ChainID,
		"port", w.cfg.Server.Port,
	)
	return nil
}

func (w *Watcher) goRun(name string, run func() error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := run(); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error("Component failed", "component", name, "error", err)
		}
	}()
}

// Stop stops the watcher. In-flight rounds get until ctx ends to settle.
func (w *Watcher) Stop(ctx context.Context) error {
	w.log.Info("Stopping Watcher...")

	var errs []error
	if err := w.orchestrator.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	if err := w.healthServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("health server: %w", err))
	}

	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()

	w.limiter.Stop()
	w.closeInfra()
	return errors.Join(errs...)
}

func (w *Watcher) closeInfra() {
	if w.batcher != nil {
		_ = w.batcher.Close()
	}
	if w.transport != nil {
		_ = w.transport.Close()
	}
	if w.redisClient != nil {
		if err := w.redisClient.Close(); err != nil {
			w.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if w.db != nil {
		if err := w.db.Close(); err != nil {
			w.log.Warn("Failed to close database", "error", err)
		}
	}
}

// Repository returns the round repository in use.
func (w *Watcher) Repository() storage.RoundRepository {
	return w.repo
}

// Orchestrator returns the orchestrator.
func (w *Watcher) Orchestrator() *orchestrator.Orchestrator {
	return w.orchestrator
}

// Indexer returns the round indexer.
func (w *Watcher) Indexer() *round.Indexer {
	return w.indexer
}

// Health returns the health monitor.
func (w *Watcher) Health() *health.Monitor {
	return w.healthMon
}

// Rounds returns the indexed round store.
func (w *Watcher) Rounds() round.Store {
	return w.store
}
