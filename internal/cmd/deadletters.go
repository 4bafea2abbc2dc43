package cmd

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

func newDeadLettersCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "Count unresolved dead letters by reason",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			counts, err := store.ReasonCounts(cmd.Context())
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(cmd.OutOrStdout(), counts)
			}
			printReasonCounts(cmd.OutOrStdout(), counts)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "table", "output format: table, json")
	return cmd
}

// printReasonCounts lists reasons by descending count, then by name.
func printReasonCounts(w io.Writer, counts map[string]int64) {
	if len(counts) == 0 {
		fmt.Fprintln(w, "no unresolved dead letters")
		return
	}
	reasons := make([]string, 0, len(counts))
	var total int64
	for r, n := range counts {
		reasons = append(reasons, r)
		total += n
	}
	sort.Slice(reasons, func(i, j int) bool {
		if counts[reasons[i]] != counts[reasons[j]] {
			return counts[reasons[i]] > counts[reasons[j]]
		}
		return reasons[i] < reasons[j]
	})

	t := newTable("REASON", "UNRESOLVED")
	for _, r := range reasons {
		t.addRow(r, strconv.FormatInt(counts[r], 10))
	}
	t.addRow("total", strconv.FormatInt(total, 10))
	t.render(w)
}
