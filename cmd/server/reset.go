package main

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"matching/infra/kafka"
	"matching/infra/metrics"
	"matching/infra/progress"
	"matching/infra/sqlstore"
	"matching/service"
)

// ResetCmd wipes the state of a stopped server, including its trades and
// outbox rows.
type ResetCmd struct {
	ConfigFlag
}

var resetCmd ResetCmd

// offlineDrain stands in for the loader when no server is running.
type offlineDrain struct{}

func (offlineDrain) ResetWith(fn func() error) error { return fn() }

func (cmd *ResetCmd) Execute(_ []string) error {
	cfg, err := cmd.load()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.LogLevel.Get())
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	engine := service.NewEngine(engineConfig(cfg), metrics.NewUnregistered(), log)

	prog, err := progress.Open(filepath.Join(cfg.DataDir, "progress"))
	if err != nil {
		return err
	}
	defer prog.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

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

	var notify []service.ResetNotifier
	if cfg.Kafka.ControlTopic != "" {
		pub := kafka.NewResetPublisher(cfg.Kafka.Brokers, cfg.Kafka.ControlTopic, cfg.Kafka.ClientID, log)
		defer pub.Close()
		notify = append(notify, pub)
	}

	maint := service.NewMaintenance(engine, offlineDrain{}, prog, store, cfg.Engine.AllowReset, log, notify...)
	if err := maint.Reset(ctx); err != nil {
		return err
	}
	log.Info("state wiped", zap.String("data_dir", cfg.DataDir))
	return nil
}
