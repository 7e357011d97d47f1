package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CoinChart/internal/collector"
	"CoinChart/internal/config"
	"CoinChart/internal/fallback"
	"CoinChart/internal/logger"
	"CoinChart/internal/scheduler"
	"CoinChart/internal/server"
	"CoinChart/internal/store"

	"go.uber.org/zap"
)

func main() {
	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	lg, err := logger.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer lg.Sync()
	lg.Info("CoinChart starting", zap.String("config", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Init fetcher
	var fetcher collector.Fetcher
	if cfg.DataSource.Mock {
		fetcher = collector.NewMockFetcher()
	} else {
		fetcher = collector.NewCoinOHLCFetcher(cfg.DataSource.BaseURL, cfg.DataSource.Currency, cfg.Proxy, cfg.DataSource.Timeout, cfg.DataSource.MaxRetries)
	}
	lg.Info("data source", zap.String("fetcher", fetcher.Name()))

	// Fast tier: shared redis when configured, else in-process with a snapshot file.
	var fast store.SeriesStore
	var mem *store.MemoryStore
	if cfg.Redis.Addr != "" {
		client, err := store.DialRedis(ctx, cfg.Redis)
		if err != nil {
			lg.Warn("redis unavailable, using in-memory fast tier", zap.Error(err))
		} else {
			fast = store.NewRedisStore(client, store.WithCapacity(cfg.Cache.FastTierCapacity), store.WithKeyPrefix(cfg.Redis.KeyPrefix))
		}
	}
	if fast == nil {
		mem, err = store.NewMemoryStore(store.WithCapacity(cfg.Cache.FastTierCapacity))
		if err != nil {
			lg.Fatal("init memory store", zap.Error(err))
		}
		if n, err := mem.LoadSnapshot(cfg.Cache.SnapshotPath); err != nil {
			lg.Warn("snapshot not restored", zap.String("path", cfg.Cache.SnapshotPath), zap.Error(err))
		} else if n > 0 {
			lg.Info("snapshot restored", zap.Int("keys", n))
		}
		fast = mem
	}
	defer fast.Close()

	// Structured tier
	var structured store.SeriesStore
	var pruner store.Pruner
	sq, err := store.NewSQLiteStore(cfg.Database.SQLitePath, lg,
		store.WithPolicies(cfg.Policies()),
		store.WithCompactProbability(cfg.Cache.CompactChance),
		store.WithEntryMaxAge(cfg.Cache.EntryMaxAge),
	)
	if err != nil {
		lg.Warn("init sqlite store failed, using noop", zap.Error(err))
		structured = store.NewNoopStore()
	} else {
		structured, pruner = sq, sq
	}
	defer structured.Close()

	fb, err := fallback.New(cfg.Fallback.Path)
	if err != nil {
		lg.Fatal("load fallback samples", zap.Error(err))
	}

	col := collector.NewCollector(fetcher, fast, structured, fb, collector.Options{
		Policies:          cfg.Policies(),
		MaxPoints:         cfg.Cache.MaxPoints,
		FetchTimeout:      cfg.Cache.FetchTimeout,
		BackgroundWorkers: cfg.Cache.BackgroundWorkers,
		Logger:            lg.Named("collector"),
	})

	sched := scheduler.NewScheduler(ctx, col, pruner, cfg.Policies(), lg.Named("scheduler"))
	if err := sched.RegisterAll(cfg.Schedule.PruneCron, cfg.WatchKeys()); err != nil {
		lg.Fatal("register cron tasks", zap.Error(err))
	}
	sched.Start()

	if cfg.Schedule.WarmOnStart {
		go func() {
			keys := cfg.WatchKeys()
			n := col.Warm(ctx, keys)
			lg.Info("warm-up finished", zap.Int("loaded", n), zap.Int("keys", len(keys)))
		}()
	}

	srv := server.New(cfg.Server.Addr, col, lg.Named("http"))
	errc := make(chan error, 1)
	go func() { errc <- srv.Start(ctx) }()

	lg.Info("CoinChart is running")
	serving := true
	select {
	case <-ctx.Done():
		lg.Info("shutdown signal received, stopping")
	case err := <-errc:
		serving = false
		if err != nil {
			lg.Error("http server", zap.Error(err))
		}
		stop()
	}

	sched.Stop()
	col.Close()
	if serving {
		select {
		case <-errc:
		case <-time.After(6 * time.Second):
		}
	}
	if mem != nil {
		if err := mem.SaveSnapshot(cfg.Cache.SnapshotPath); err != nil {
			lg.Warn("snapshot not saved", zap.Error(err))
		}
	}
	lg.Info("CoinChart stopped")
}
