package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/honeyload/common/logging"
	"github.com/telhawk-systems/honeyload/internal/reprocess"
)

func newReprocessCmd(a *app) *cobra.Command {
	var (
		f      reprocess.Filter
		format string
	)
	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Retry repair of unresolved dead letters",
		Long: `Replay unresolved dead letters through the current repair strategies.
Repaired records are loaded under their original key and marked resolved;
the rest keep their row with an incremented attempt count.`,
		Example: `  honeyload reprocess --reason unterminated_object
  honeyload reprocess --source cowrie-eu-1 --limit 1000 --batch-size 50`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx = logging.ContextWithRun(ctx, uuid.NewString())

			_, engine, err := a.engine()
			if err != nil {
				return err
			}
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			rc := a.cfg.ReprocessorConfig()
			if cmd.Flags().Changed("batch-size") {
				rc.BatchSize, _ = cmd.Flags().GetInt("batch-size")
			}
			if cmd.Flags().Changed("workers") {
				rc.Workers, _ = cmd.Flags().GetInt("workers")
			}
			if cmd.Flags().Changed("rate") {
				rc.RatePerSecond, _ = cmd.Flags().GetFloat64("rate")
			}

			report, err := reprocess.New(store, engine, rc, a.logger).Run(ctx, f)
			if format == "json" {
				if jerr := writeJSON(cmd.OutOrStdout(), report); jerr != nil {
					return jerr
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, repaired %d, still failed %d, skipped %d\n",
					report.Scanned, report.Repaired, report.StillFailed, report.Skipped)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&f.Reason, "reason", "", "only dead letters with this reason")
	cmd.Flags().StringVar(&f.SourceID, "source", "", "only dead letters from this source")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "stop after this many dead letters (0 = all)")
	cmd.Flags().Int("batch-size", reprocess.DefaultBatchSize, "dead letters per sub-batch")
	cmd.Flags().Int("workers", reprocess.DefaultWorkers, "concurrent repairs per sub-batch")
	cmd.Flags().Float64("rate", 0, "sub-batches per second (0 = unlimited)")
	cmd.Flags().StringVarP(&format, "output", "o", "text", "output format: text, json")
	return cmd
}
