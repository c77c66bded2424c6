package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/richardliu001/payledger/migrations"
	"github.com/spf13/cobra"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect the embedded schema migrations",
	}
	run := func(fn func(cmd *cobra.Command, m *migrate.Migrate, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			url := cfg.Postgres.MigrationURL()
			if url == "" {
				return errors.New("postgres.migrate_url (or a postgres:// dsn) is required")
			}
			m, err := migrations.New(url)
			if err != nil {
				return err
			}
			defer m.Close()
			return fn(cmd, m, args)
		}
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: run(func(cmd *cobra.Command, m *migrate.Migrate, _ []string) error {
			if err := migrations.Up(m); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		}),
	}
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		RunE: run(func(cmd *cobra.Command, m *migrate.Migrate, _ []string) error {
			if err := m.Steps(-1); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "rolled back one migration")
			return nil
		}),
	}
	gotoCmd := &cobra.Command{
		Use:   "goto VERSION",
		Short: "Migrate to a specific version",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, m *migrate.Migrate, args []string) error {
			v, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version %q", args[0])
			}
			if err := m.Migrate(uint(v)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "at version %d\n", v)
			return nil
		}),
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Print the current schema version",
		RunE: run(func(cmd *cobra.Command, m *migrate.Migrate, _ []string) error {
			v, dirty, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
				return nil
			}
			if err != nil {
				return err
			}
			suffix := ""
			if dirty {
				suffix = " (dirty)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d%s\n", v, suffix)
			return nil
		}),
	}
	cmd.AddCommand(up, down, gotoCmd, status)
	return cmd
}
