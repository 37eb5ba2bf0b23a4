package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironpki/engine"
	"github.com/jmcleod/ironpki/internal/bootstrap"
)

var (
	submitCN        string
	submitUsername  string
	submitCountry   string
	submitOrg       string
	submitPublicKey string
	submitCA        string
	submitDays      int
	authorizeCA     string
)

var csrCmd = &cobra.Command{
	Use:   "csr",
	Short: "Submit and authorize certificate signing requests",
}

var csrSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a signing request for later authorization",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			csr, err := rt.Intake.Submit(ctx, engine.SubmitRequest{
				CommonName:       submitCN,
				Username:         submitUsername,
				Organization:     submitOrg,
				Country:          submitCountry,
				PublicKey:        submitPublicKey,
				SigningCA:        submitCA,
				SubscriptionDays: submitDays,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), csr)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Submitted CSR %s for %s (%s)\n", csr.ID, csr.CommonName, csr.Status)
			return nil
		})
	},
}

var csrListCmd = &cobra.Command{
	Use:   "list",
	Short: "List signing requests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			csrs, err := rt.Intake.List(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), csrs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCOMMON NAME\tUSERNAME\tSTATUS\tCERTIFICATE\tSUBMITTED")
			for _, c := range csrs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.CommonName, c.Username,
					c.Status, c.CertificateID, c.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		})
	},
}

var csrAuthorizeCmd = &cobra.Command{
	Use:   "authorize <id>",
	Short: "Issue the certificate requested by a CSR",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			cert, err := rt.Intake.Authorize(ctx, args[0], authorizeCA)
			if err != nil {
				return err
			}
			return printCertificate(cmd.OutOrStdout(), "Issued", cert)
		})
	},
}

func init() {
	rootCmd.AddCommand(csrCmd)
	csrCmd.AddCommand(csrSubmitCmd, csrListCmd, csrAuthorizeCmd)

	csrSubmitCmd.Flags().StringVar(&submitCN, "cn", "", "Common name to certify")
	csrSubmitCmd.Flags().StringVar(&submitUsername, "username", "", "Requesting user")
	csrSubmitCmd.Flags().StringVar(&submitCountry, "country", "", "Country name or ISO code")
	csrSubmitCmd.Flags().StringVar(&submitOrg, "org", "", "Organization")
	csrSubmitCmd.Flags().StringVar(&submitPublicKey, "public-key", "", "Requester public key")
	csrSubmitCmd.Flags().StringVar(&submitCA, "ca", "", "Preferred signing CA ID")
	csrSubmitCmd.Flags().IntVar(&submitDays, "days", 0, "Subscription length in days (default 365)")

	csrAuthorizeCmd.Flags().StringVar(&authorizeCA, "ca", "", "Signing CA ID, overriding the one on the request")
}
