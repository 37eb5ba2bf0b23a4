package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironpki/internal/bootstrap"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage certificate authorities",
}

var caCreateCmd = &cobra.Command{
	Use:   "create <common-name>",
	Short: "Create a self-signed root CA",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			ca, err := rt.CAs.CreateCA(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), ca)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created CA %s\n", ca.CommonName)
			fmt.Fprintf(cmd.OutOrStdout(), "ID:        %s\n", ca.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "Not after: %s\n", ca.NotAfter.Format(time.RFC3339))
			return nil
		})
	},
}

var caListCmd = &cobra.Command{
	Use:   "list",
	Short: "List certificate authorities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			cas, err := rt.Backend.ListCAs(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), cas)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCOMMON NAME\tNOT AFTER\tCREATED")
			for _, ca := range cas {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ca.ID, ca.CommonName,
					ca.NotAfter.Format(time.DateOnly), ca.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(caCmd)
	caCmd.AddCommand(caCreateCmd, caListCmd)
}
