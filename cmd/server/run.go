package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"matching/api/grpcserver"
	"matching/config"
	"matching/infra/kafka"
	"matching/infra/metrics"
	"matching/infra/progress"
	"matching/infra/sqlstore"
	"matching/jobs/broadcaster"
	"matching/jobs/loader"
	"matching/service"
)

type RunCmd struct {
	ConfigFlag
}

var runCmd RunCmd

func engineConfig(cfg config.Config) service.Config {
	return service.Config{
		DataDir:           cfg.DataDir,
		SegmentSize:       cfg.WAL.SegmentSize,
		QueueSize:         cfg.Engine.QueueSize,
		ProcessedCapacity: cfg.Engine.ProcessedCapacity,
		ReplayBatch:       cfg.Engine.ReplayBatch,
		SnapshotInterval:  cfg.Snapshot.Interval,
	}
}

func (cmd *RunCmd) Execute(_ []string) error {
	cfg, err := cmd.load()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.LogLevel.Get())
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return errors.Wrap(err, "create data dir")
	}

	// ---------------- Metrics ----------------

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", zap.Error(err))
			}
		}()
	}

	// ---------------- Storage ----------------

	engine := service.NewEngine(engineConfig(cfg), m, log)

	store, err := sqlstore.Open(ctx, sqlstore.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime.Get(),
	}, log)
	if err != nil {
		return err
	}
	defer store.Close()

	prog, err := progress.Open(filepath.Join(cfg.DataDir, "progress"))
	if err != nil {
		return err
	}
	defer prog.Close()

	drain := loader.New(loader.Config{
		Interval:          cfg.Loader.Interval.Get(),
		BatchSize:         cfg.Loader.BatchSize,
		SnapshotDir:       engineConfig(cfg).SnapshotDir(),
		SnapshotInterval:  cfg.Snapshot.Interval,
		ProcessedCapacity: cfg.Engine.ProcessedCapacity,
		PruneWAL:          cfg.WAL.PruneAfterSnapshot,
	}, engine, store, prog, m, log)

	// ---------------- Kafka ----------------

	var (
		intake   *kafka.Intake
		notifier []service.ResetNotifier
	)
	if cfg.Kafka.CommandTopic != "" {
		intake = kafka.NewIntake(kafka.IntakeConfig{
			Brokers:    cfg.Kafka.Brokers,
			Topic:      cfg.Kafka.CommandTopic,
			Partitions: cfg.Kafka.Partitions,
			MaxWait:    cfg.Kafka.MaxWait.Get(),
		}, engine, log)
		notifier = append(notifier, intake)
	}
	if cfg.Kafka.ControlTopic != "" {
		pub := kafka.NewResetPublisher(cfg.Kafka.Brokers, cfg.Kafka.ControlTopic, cfg.Kafka.ClientID, log)
		defer pub.Close()
		notifier = append(notifier, pub)
	}

	var relay *broadcaster.Broadcaster
	if cfg.Relay.Enabled {
		producer, err := broadcaster.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
		if err != nil {
			return err
		}
		relay = broadcaster.New(broadcaster.Config{
			Interval:       cfg.Relay.Interval.Get(),
			BatchSize:      cfg.Relay.BatchSize,
			MaxRetries:     cfg.Relay.MaxRetries,
			InitialBackoff: cfg.Relay.InitialBackoff.Get(),
			MaxBackoff:     cfg.Relay.MaxBackoff.Get(),
		}, store, producer, m, log)
		defer relay.Close()
	}

	// ---------------- gRPC ----------------

	maint := service.NewMaintenance(engine, drain, prog, store, cfg.Engine.AllowReset, log, notifier...)
	srv := grpcserver.NewServer(engine, maint, log)
	gs := srv.Register()

	lis, err := net.Listen("tcp", cfg.GRPC.Address)
	if err != nil {
		return errors.Wrapf(err, "listen %s", cfg.GRPC.Address)
	}
	go func() {
		if err := gs.Serve(lis); err != nil {
			log.Error("grpc server", zap.Error(err))
		}
	}()
	log.Info("grpc listening", zap.String("address", lis.Addr().String()))

	// ---------------- Recovery ----------------

	engine.OnHalt(srv.InstrumentHalted)
	start := time.Now()
	if err := engine.Start(); err != nil {
		gs.Stop()
		return err
	}
	for id, herr := range engine.Halted() {
		log.Error("instrument halted during recovery", zap.String("instrument", id), zap.Error(herr))
		srv.InstrumentHalted(id, herr)
	}
	srv.MarkServing()
	log.Info("recovery complete",
		zap.Strings("instruments", engine.Instruments()),
		zap.Duration("took", time.Since(start)))

	// ---------------- Background jobs ----------------

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		drain.Run(ctx)
	}()
	if relay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Run(ctx)
		}()
	}
	if intake != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := intake.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("kafka intake stopped", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")

	srv.Shutdown()
	gs.GracefulStop()
	wg.Wait()
	engine.Stop()

	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(sctx)
	}
	return nil
}
