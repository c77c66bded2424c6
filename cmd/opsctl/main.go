// Command opsctl inspects the event journal and manages the schema.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/richardliu001/payledger/internal/config"
	"github.com/richardliu001/payledger/internal/logger"
	"github.com/richardliu001/payledger/internal/repo"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// app carries what every subcommand needs. open is replaced in tests.
type app struct {
	cfgPath string
	out     io.Writer
	open    func(cfg *config.Config) (repo.RepositoryInterface, func(), error)
}

func openRepository(cfg *config.Config) (repo.RepositoryInterface, func(), error) {
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	closeFn := func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
		_ = log.Sync()
	}
	return repo.NewRepository(gdb, nil, nil, log, repo.Options{
		StoreTimeout: cfg.Processor.StoreTimeout,
		StaleAfter:   cfg.Processor.StaleAfter,
	}), closeFn, nil
}

func (a *app) config() (*config.Config, error) {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (a *app) repository() (repo.RepositoryInterface, func(), error) {
	cfg, err := a.config()
	if err != nil {
		return nil, nil, err
	}
	return a.open(cfg)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "opsctl",
		Short:         "Operate a payledger deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultPath := os.Getenv("PAYLEDGER_CONFIG")
	if defaultPath == "" {
		defaultPath = "internal/config/config.yaml"
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", defaultPath, "path to config.yaml")
	root.SetOut(a.out)
	root.AddCommand(newEventsCmd(a), newMigrateCmd(a))
	return root
}

func main() {
	a := &app{out: os.Stdout, open: openRepository}
	if err := newRootCmd(a).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
