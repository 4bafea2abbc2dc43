package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/honeyload/internal/config"
	"github.com/telhawk-systems/honeyload/internal/models"
	"github.com/telhawk-systems/honeyload/internal/status"
)

func newStatusCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the live state of every source",
		Long:  "Show the per-source state a running loader publishes to Redis.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !a.cfg.Redis.Enabled {
				return &config.ConfigError{Key: "redis.enabled", Message: "status is shared through redis; enable it on the loader and here"}
			}
			store, err := status.Connect(cmd.Context(), a.cfg.Redis.URL, a.cfg.Redis.StatusTTL)
			if err != nil {
				return err
			}
			defer store.Close()

			statuses, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(cmd.OutOrStdout(), statuses)
			}
			if len(statuses) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no loader has reported status")
				return nil
			}
			printStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "table", "output format: table, json")
	return cmd
}

func printStatus(w io.Writer, statuses []models.SourceStatus) {
	t := newTable("SOURCE", "STATE", "PROCESSED", "REPAIRED", "QUARANTINED", "DEAD", "COMMITTED", "CHECKPOINT", "BREAKER", "UPDATED")
	for _, st := range statuses {
		state := st.State
		if st.HaltReason != "" {
			state += " (" + st.HaltReason + ")"
		}
		updated := ""
		if !st.UpdatedAt.IsZero() {
			updated = st.UpdatedAt.UTC().Format(time.RFC3339)
		}
		t.addRow(
			st.SourceID,
			state,
			strconv.FormatInt(st.Processed, 10),
			strconv.FormatInt(st.Repaired, 10),
			strconv.FormatInt(st.Quarantined, 10),
			strconv.FormatInt(st.DeadLettered, 10),
			strconv.FormatInt(st.Committed, 10),
			fmt.Sprintf("%d@%d", st.Checkpoint, st.Generation),
			st.Breaker,
			updated,
		)
	}
	t.render(w)
	for _, st := range statuses {
		if st.LastError != "" {
			fmt.Fprintf(w, "%s: %s\n", st.SourceID, st.LastError)
		}
	}
}
