package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/katasec/dstream-ingester-changefeed/internal/cdc/memory"
	"github.com/katasec/dstream-ingester-changefeed/internal/cdc/sqlserver"
	"github.com/katasec/dstream-ingester-changefeed/internal/config"
	"github.com/katasec/dstream-ingester-changefeed/internal/db"
	"github.com/katasec/dstream-ingester-changefeed/internal/ingester"
	"github.com/katasec/dstream-ingester-changefeed/internal/locking"
	"github.com/katasec/dstream-ingester-changefeed/internal/logging"
	"github.com/katasec/dstream-ingester-changefeed/internal/metrics"
	"github.com/katasec/dstream-ingester-changefeed/internal/sink"
	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

func main() {
	configPath := flag.String("config", "", "config file (default $"+config.PathEnv+" or "+config.DefaultFile+")")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logging.GetLogger().Error("Change feed ingester failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logging.SetupLogger(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	// Background workers watch ctx, so it is cancelled before waiting on them
	var wg sync.WaitGroup
	defer func() {
		stop()
		wg.Wait()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	feedMetrics := metrics.NewFeedMetrics(reg)
	if cfg.Metrics != nil && cfg.Metrics.PushURL != "" {
		pusher := metrics.NewPusher(cfg.Metrics.PushURL, cfg.Metrics.Job, reg, cfg.Metrics.GetPushInterval())
		wg.Add(1)
		go func() {
			defer wg.Done()
			pusher.Run(ctx)
		}()
	}

	store, closeStore, err := openStore(ctx, cfg, feedMetrics, &wg)
	if err != nil {
		return err
	}
	defer closeStore()

	out, closeSinks, err := openSinks(cfg)
	if err != nil {
		return err
	}
	defer closeSinks()

	lockers := locking.NewLockerFactory(cfg.Lock.Type, cfg.Lock.ConnectionString, cfg.Lock.ContainerName, cfg.Store.ConnectionString)

	ing := ingester.New(store, out, ingester.Options{
		Container:     cfg.Store.ContainerSpec(),
		Modes:         cfg.Feed.GetModes(),
		PageSize:      cfg.Feed.PageSize,
		Policy:        cfg.Feed.GetPolicy(),
		FromBeginning: cfg.Feed.StartFromBeginning(),
	}, ingester.WithLockerFactory(lockers), ingester.WithMetrics(feedMetrics))

	log.Info("Press Ctrl+C to stop")
	if err := ing.Start(ctx); err != nil {
		return err
	}
	for mode, cp := range ing.Checkpoints().Snapshot() {
		log.Info("Final cursor", "mode", mode, "cursor", cp.Cursor, "updatedAt", cp.UpdatedAt)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, m *metrics.FeedMetrics, wg *sync.WaitGroup) (cdc.Store, func(), error) {
	switch cfg.Store.Type {
	case config.StoreMemory:
		store := memory.New(memory.WithPartitions(cfg.Store.Partitions))
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Run(ctx, cfg.Store.GetSweepInterval())
		}()
		return store, func() {}, nil

	case config.StoreSQLServer:
		conn, err := db.Connect(ctx, cfg.Store.ConnectionString)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to DB: %w", err)
		}
		maxPageBytes := cfg.Store.MaxPageBytes
		if maxPageBytes == 0 {
			maxPageBytes = sqlserver.MaxPageBytesForSKU(cfg.Store.PageSKU)
		}
		store := sqlserver.New(conn,
			sqlserver.WithMaxPageBytes(maxPageBytes),
			sqlserver.WithPageSizerOptions(
				sqlserver.WithSampleSize(cfg.Store.SampleSize),
				sqlserver.WithBufferFactor(cfg.Store.BufferFactor),
				sqlserver.WithResampleInterval(cfg.Store.GetResampleInterval()),
				sqlserver.WithSizerMetrics(m),
			),
		)
		// The page sizer samples the change table, so the table must exist first
		if err := store.CreateIfNotExists(ctx, cfg.Store.ContainerSpec()); err != nil {
			conn.Close()
			return nil, nil, err
		}
		if err := store.Start(ctx, cfg.Feed.PageSize); err != nil {
			conn.Close()
			return nil, nil, err
		}
		return store, func() { conn.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store type %q", cfg.Store.Type)
	}
}

func openSinks(cfg *config.Config) (cdc.Sink, func(), error) {
	var (
		sinks  sink.Multi
		closes []func()
	)
	closeAll := func() {
		for _, c := range closes {
			c()
		}
	}
	for _, sc := range cfg.Sinks {
		switch sc.Type {
		case config.SinkLog:
			sinks = append(sinks, sink.NewLog(nil))
		case config.SinkServiceBus:
			sb, err := sink.NewServiceBus(sc.ConnectionString, sc.Queue)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			sinks = append(sinks, sb)
			closes = append(closes, func() { _ = sb.Close(context.Background()) })
		}
	}
	if len(sinks) == 1 {
		return sinks[0], closeAll, nil
	}
	return sinks, closeAll, nil
}
