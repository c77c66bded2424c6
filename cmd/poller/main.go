package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/payledger/internal/config"
	"github.com/richardliu001/payledger/internal/logger"
	"github.com/richardliu001/payledger/internal/repo"
	"github.com/richardliu001/payledger/internal/service"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/segmentio/kafka-go"
)

func main() {
	path := os.Getenv("PAYLEDGER_CONFIG")
	if path == "" {
		path = "internal/config/config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	kw := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	defer kw.Close()

	repository := repo.NewRepository(gdb, nil, kw, log, repo.Options{StoreTimeout: cfg.Processor.StoreTimeout})
	relay := service.NewOutboxRelay(repository, nil, log, cfg.Outbox.Batch)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(cfg.Outbox.Interval)
	defer ticker.Stop()

	log.Infow("payledger-poller started", "topic", cfg.Kafka.Topic, "interval", cfg.Outbox.Interval)
	for {
		select {
		case <-ctx.Done():
			log.Info("payledger-poller stopped")
			return
		case <-ticker.C:
			sent, err := relay.RunOnce(ctx)
			if err != nil {
				log.Errorf("poll outbox: %v", err)
				continue
			}
			if sent > 0 {
				log.Infof("%d outbox events sent", sent)
			}
		}
	}
}
