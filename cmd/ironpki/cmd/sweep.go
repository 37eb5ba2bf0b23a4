package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironpki/internal/bootstrap"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one renewal sweep and print its report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			report, err := rt.Renewal.Sweep(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), report)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Due:     %d\n", report.Due)
			fmt.Fprintf(w, "Renewed: %d\n", len(report.Renewed))
			fmt.Fprintf(w, "Skipped: %d\n", len(report.Skipped))
			fmt.Fprintf(w, "Failed:  %d\n", len(report.Failed))
			for _, f := range report.Failed {
				fmt.Fprintf(w, "[FAIL] %s (%s) attempt %d: %s\n", f.CommonName, f.CertificateID, f.Attempts, f.Error)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
