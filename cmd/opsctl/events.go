package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/richardliu001/payledger/internal/model"
	"github.com/richardliu001/payledger/internal/repo"
	"github.com/spf13/cobra"
)

func newEventsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and repair event journal rows",
	}
	cmd.AddCommand(newEventsShowCmd(a), newEventsListCmd(a), newEventsReleaseCmd(a))
	return cmd
}

func newEventsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show EVENT_ID",
		Short: "Print one journal row as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeFn, err := a.repository()
			if err != nil {
				return err
			}
			defer closeFn()
			e, err := r.GetEvent(cmd.Context(), args[0])
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("event %s not found", args[0])
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(e)
		},
	}
}

func newEventsListCmd(a *app) *cobra.Command {
	var (
		status    string
		olderThan time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List journal rows, oldest update first",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch status {
			case "", model.EventProcessing, model.EventSucceeded, model.EventFailed:
			default:
				return fmt.Errorf("unknown status %q", status)
			}
			r, closeFn, err := a.repository()
			if err != nil {
				return err
			}
			defer closeFn()
			filter := repo.EventFilter{Status: status, Limit: limit}
			if olderThan > 0 {
				filter.UpdatedBefore = time.Now().Add(-olderThan)
			}
			rows, err := r.ListEvents(cmd.Context(), filter)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EVENT_ID\tTYPE\tSTATUS\tATTEMPTS\tUPDATED\tLAST_ERROR")
			for _, e := range rows {
				lastErr := ""
				if e.LastError != nil {
					lastErr = *e.LastError
					if len(lastErr) > 60 {
						lastErr = lastErr[:60] + "..."
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					e.EventID, e.Type, e.Status, e.Attempts, e.UpdatedAt.UTC().Format(time.RFC3339), lastErr)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "processing, succeeded or failed")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only rows not updated for this long")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	return cmd
}

func newEventsReleaseCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "release EVENT_ID",
		Short: "Fail a processing claim so the next delivery can re-claim it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeFn, err := a.repository()
			if err != nil {
				return err
			}
			defer closeFn()
			switch err := r.ReleaseClaim(cmd.Context(), args[0], reason); {
			case errors.Is(err, repo.ErrNotFound):
				return fmt.Errorf("event %s not found", args[0])
			case errors.Is(err, repo.ErrNotProcessing):
				return fmt.Errorf("event %s holds no claim", args[0])
			case err != nil:
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "recorded as last_error")
	return cmd
}
