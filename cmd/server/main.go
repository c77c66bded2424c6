package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/payledger/internal/config"
	"github.com/richardliu001/payledger/internal/jobs"
	"github.com/richardliu001/payledger/internal/logger"
	"github.com/richardliu001/payledger/internal/metrics"
	"github.com/richardliu001/payledger/internal/notify"
	"github.com/richardliu001/payledger/internal/repo"
	"github.com/richardliu001/payledger/internal/service"
	httptransport "github.com/richardliu001/payledger/internal/transport/http"

	"github.com/go-co-op/gocron/v2"
	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func configPath() string {
	if p := os.Getenv("PAYLEDGER_CONFIG"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}

func main() {
	// 1. load config
	cfg, err := config.Load(configPath())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. postgres; schema is owned by `opsctl migrate up`
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	// 4. redis replay cache, optional
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
	}

	// 5. repo, notifier & services; the server never publishes, the poller does
	m := metrics.New(cfg.KnownSites()...)
	repository := repo.NewRepository(gdb, rdb, nil, log, repo.Options{
		StoreTimeout:     cfg.Processor.StoreTimeout,
		StaleAfter:       cfg.Processor.StaleAfter,
		EventTTL:         cfg.Redis.EventTTL,
		RawEventMaxBytes: cfg.Processor.RawEventMaxBytes,
	})
	notifier := notify.NewHTTPNotifier(cfg.Notifier, nil, log).WithFailureRecorder(m)
	processor := service.NewEventProcessor(repository, notifier, m, cfg.Processor, log)
	submissions := service.NewSubmissionService(repository, m, log)

	// 6. stale claim sweeper
	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("init scheduler: %v", err)
	}
	sweeper := jobs.NewSweeper(repository, m, log, cfg.Processor.StaleAfter)
	if _, err := sweeper.Schedule(ctx, sched, cfg.Sweeper.Interval); err != nil {
		log.Fatalf("schedule sweeper: %v", err)
	}

	// 7. gin router
	router := httptransport.NewRouter(httptransport.Deps{
		Events:      processor,
		Submissions: submissions,
		Journal:     repository,
		Health: func(ctx context.Context) error {
			sqlDB, err := gdb.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}, m, cfg.RateLimit, log)

	// 8. serve until signalled
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("payledger-server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		return sched.Shutdown()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Errorf("server stopped: %v", err)
		os.Exit(1)
	}
	log.Info("payledger-server stopped")
}
