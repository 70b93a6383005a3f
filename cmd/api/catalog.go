package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cqm/api/internal/scoring"
)

var scoreCmd = &cobra.Command{
	Use:   "score <signal> [workforce-size]",
	Short: "Score a signal for a workforce size",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := loadCatalog()
		if err != nil {
			return err
		}
		size := ""
		if len(args) == 2 {
			size = args[1]
		}
		result, err := scoring.Resolve(cat, args[0], size)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(map[string]any{
			"result": result,
			"band":   scoring.BandFor(result.FinalScore),
		}, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return err
	},
}

var signalsCmd = &cobra.Command{
	Use:   "signals",
	Short: "List catalog signals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := loadCatalog()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSCORE\tANGLE\tLABEL")
		for _, s := range cat.Signals() {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s.ID, s.StressScore, s.AngleName, s.Label)
		}
		return w.Flush()
	},
}
