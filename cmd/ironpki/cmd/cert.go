package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironpki/engine"
	"github.com/jmcleod/ironpki/internal/bootstrap"
	"github.com/jmcleod/ironpki/model"
	"github.com/jmcleod/ironpki/pki"
)

var (
	issueCN        string
	issueCA        string
	issueUsername  string
	issueCountry   string
	issueOrg       string
	issuePublicKey string
	issueDays      int
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Issue, list and renew certificates",
}

var certIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a certificate signed by a CA",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			cert, err := rt.Certificates.Issue(ctx, engine.IssueRequest{
				CommonName: issueCN,
				CAID:       issueCA,
				Requester: model.RequesterIdentity{
					Username:     issueUsername,
					Country:      issueCountry,
					Organization: issueOrg,
					PublicKey:    issuePublicKey,
				},
				SubscriptionDays: issueDays,
			})
			if err != nil {
				return err
			}
			return printCertificate(cmd.OutOrStdout(), "Issued", cert)
		})
	},
}

var certListCmd = &cobra.Command{
	Use:   "list",
	Short: "List certificates with their state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			certs, err := rt.Backend.ListCertificates(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), certs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCOMMON NAME\tCA\tSTATE\tEXPIRES")
			for _, c := range certs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.CommonName, c.CAName,
					rt.Renewal.State(c), c.ExpiryDate().Format(time.RFC3339))
			}
			return tw.Flush()
		})
	},
}

var certRenewCmd = &cobra.Command{
	Use:   "renew <id>",
	Short: "Renew a certificate now, whatever its state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			cert, err := rt.Backend.GetCertificate(ctx, args[0])
			if err != nil {
				return err
			}
			renewed, err := rt.Certificates.Renew(ctx, *cert)
			if err != nil {
				return err
			}
			return printCertificate(cmd.OutOrStdout(), "Renewed", renewed)
		})
	},
}

var certInspectCmd = &cobra.Command{
	Use:   "inspect <id>",
	Short: "Show the X.509 details of a certificate's current artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			cert, err := rt.Backend.GetCertificate(ctx, args[0])
			if err != nil {
				return err
			}
			rc, err := rt.Blobs.Get(ctx, cert.ArtifactID)
			if err != nil {
				return err
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err != nil {
				return err
			}
			info, err := pki.ParseCertificatePEM(data)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), info)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Subject:     %s\n", info.Subject)
			fmt.Fprintf(w, "Issuer:      %s\n", info.Issuer)
			fmt.Fprintf(w, "Serial:      %s\n", info.SerialNumber)
			fmt.Fprintf(w, "Not before:  %s\n", info.NotBefore.Format(time.RFC3339))
			fmt.Fprintf(w, "Not after:   %s\n", info.NotAfter.Format(time.RFC3339))
			fmt.Fprintf(w, "Key:         %s\n", info.KeyAlgorithm)
			fmt.Fprintf(w, "SHA-256:     %s\n", info.FingerprintSHA256)
			return nil
		})
	},
}

func printCertificate(w io.Writer, verb string, cert *model.Certificate) error {
	if jsonOutput {
		return printJSON(w, cert)
	}
	fmt.Fprintf(w, "%s certificate %s\n", verb, cert.CommonName)
	fmt.Fprintf(w, "ID:         %s\n", cert.ID)
	fmt.Fprintf(w, "Issued by:  %s (%s)\n", cert.CAName, cert.IssuedBy)
	fmt.Fprintf(w, "Authorized: %s\n", cert.DateAuthorized.Format(time.RFC3339))
	fmt.Fprintf(w, "Expires:    %s\n", cert.ExpiryDate().Format(time.RFC3339))
	return nil
}

func init() {
	rootCmd.AddCommand(certCmd)
	certCmd.AddCommand(certIssueCmd, certListCmd, certRenewCmd, certInspectCmd)

	certIssueCmd.Flags().StringVar(&issueCN, "cn", "", "Common name of the certificate")
	certIssueCmd.Flags().StringVar(&issueCA, "ca", "", "ID of the signing CA")
	certIssueCmd.Flags().StringVar(&issueUsername, "username", "", "Requesting user")
	certIssueCmd.Flags().StringVar(&issueCountry, "country", "", "Country name or ISO code")
	certIssueCmd.Flags().StringVar(&issueOrg, "org", "", "Organization")
	certIssueCmd.Flags().StringVar(&issuePublicKey, "public-key", "", "Requester public key, recorded with the certificate")
	certIssueCmd.Flags().IntVar(&issueDays, "days", model.DefaultSubscriptionDays, "Subscription length in days")
	for _, f := range []string{"cn", "ca", "username", "country", "org"} {
		certIssueCmd.MarkFlagRequired(f) //nolint:errcheck
	}
}
