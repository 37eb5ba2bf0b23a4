package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironpki/internal/bootstrap"
)

var artifactOut string

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Read stored key, certificate, serial and CRL artifacts",
}

var artifactGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Write an artifact to stdout or a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			rc, err := rt.Blobs.Get(ctx, args[0])
			if err != nil {
				return err
			}
			defer rc.Close()

			if artifactOut == "" || artifactOut == "-" {
				_, err = io.Copy(cmd.OutOrStdout(), rc)
				return err
			}
			f, err := os.OpenFile(artifactOut, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
			if err != nil {
				return fmt.Errorf("creating %s: %w", artifactOut, err)
			}
			if _, err := io.Copy(f, rc); err != nil {
				f.Close()
				return fmt.Errorf("writing %s: %w", artifactOut, err)
			}
			return f.Close()
		})
	},
}

func init() {
	rootCmd.AddCommand(artifactCmd)
	artifactCmd.AddCommand(artifactGetCmd)
	artifactGetCmd.Flags().StringVarP(&artifactOut, "output", "o", "", "Output file (default stdout)")
}
