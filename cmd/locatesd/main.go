// Command locatesd runs the availability calculation engine and the locate
// and short-sell approval workflows behind their transport boundaries.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quantfabric/locates/internal/cache"
	"github.com/quantfabric/locates/internal/calc"
	"github.com/quantfabric/locates/internal/config"
	"github.com/quantfabric/locates/internal/decision"
	"github.com/quantfabric/locates/internal/ingest"
	"github.com/quantfabric/locates/internal/refdata"
	"github.com/quantfabric/locates/internal/server"
	"github.com/quantfabric/locates/internal/workflow/journal"
	"github.com/quantfabric/locates/internal/workflow/locate"
	"github.com/quantfabric/locates/internal/workflow/shortsell"
	"github.com/quantfabric/locates/pkg/logger"
	"github.com/quantfabric/locates/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "locatesd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	// Reference data: postgres when configured, with an overlay the ingestion
	// pipeline refreshes from reference-data events, all behind the circuit
	// breaker so outages degrade instead of failing.
	overlay := refdata.NewStaticProvider()
	var base refdata.Provider = refdata.NewStaticProvider()
	if cfg.RefData.PostgresDSN != "" {
		store, err := refdata.NewGormStore(cfg.RefData.PostgresDSN)
		if err != nil {
			return fmt.Errorf("reference data store: %w", err)
		}
		base = store
	}
	provider := refdata.NewBreakerProvider(refdata.NewLayered(overlay, base), cfg.RefData.BreakerCooldown, log)

	// Availability cache, optionally replicated over redis.
	availCache := cache.New(cfg.Cache.Shards, log)
	var publisher calc.Publisher = availCache
	if cfg.Cache.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		repl := cache.NewReplicator(client, availCache, log)
		repl.Start(ctx)
		defer repl.Stop()
		publisher = repl
	}

	engine := calc.New(calc.Config{
		Shards:        cfg.Calc.Shards,
		BufferSize:    cfg.Calc.BufferSize,
		ReorderWindow: cfg.Calc.ReorderWindow,
	}, provider, publisher, log)
	engine.Start(ctx)
	defer engine.Stop()

	// Workflow transition journal: durable when a directory is configured.
	var jnl journal.Journal = journal.NewMemory()
	if cfg.JournalDir != "" {
		bj, err := journal.NewBadger(cfg.JournalDir, log)
		if err != nil {
			return fmt.Errorf("journal store: %w", err)
		}
		jnl = bj
	}
	defer jnl.Close()

	var decisions decision.Publisher = decision.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := decision.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.DecisionsTopic, log)
		decisions = kp
	}
	defer decisions.Close()

	locateEngine := locate.New(locate.Config{
		Freshness:         cfg.Locate.Freshness,
		EvaluationTimeout: cfg.Locate.EvaluationTimeout,
		ReviewExpiry:      cfg.Locate.ReviewExpiry,
		Retention:         cfg.Locate.Retention,
	}, availCache, engine, provider, jnl, decisions, nil, log)
	locateEngine.Start(ctx)
	defer locateEngine.Stop()

	shortSellEngine := shortsell.New(shortsell.Config{
		Budget:    cfg.ShortSell.Budget,
		Freshness: cfg.ShortSell.Freshness,
	}, availCache, provider, jnl, decisions, log)

	adapter := ingest.New(engine, provider, overlay, log)
	source := ingest.NewKafkaSource(ingest.KafkaSourceConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.EventsTopic,
		GroupID: cfg.Kafka.GroupID,
	}, adapter, log)
	source.Start(ctx)
	defer source.Stop()

	srv := server.New(availCache, locateEngine, shortSellEngine, log)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(cfg.ListenAddr) }()

	log.Info("locatesd started",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Int("calc_shards", cfg.Calc.Shards))

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}
