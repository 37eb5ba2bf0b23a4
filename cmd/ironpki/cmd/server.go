package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironpki/api"
	"github.com/jmcleod/ironpki/internal/bootstrap"
)

var serverAddr string

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the renewal scheduler and serve the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
			cfg := rt.Config.Server
			if cmd.Flags().Changed("addr") {
				cfg.Addr = serverAddr
			}

			var tlsConfig *tls.Config
			if cfg.TLSCert != "" {
				cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
				if err != nil {
					return fmt.Errorf("failed to load TLS key pair: %w", err)
				}
				tlsConfig = &tls.Config{
					Certificates: []tls.Certificate{cert},
					MinVersion:   tls.VersionTLS12,
				}
			}

			a := api.New(rt.Registry, rt.Renewal,
				api.WithLogger(rt.Logger.With("component", "api")),
				api.WithLifecycle(api.Lifecycle{
					CAs:          rt.CAs,
					Certificates: rt.Certificates,
					Intake:       rt.Intake,
					Store:        rt.Backend,
					Blobs:        rt.Blobs,
				}),
			)
			server := &http.Server{
				Addr:              cfg.Addr,
				Handler:           a.Router(),
				TLSConfig:         tlsConfig,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       15 * time.Second,
				WriteTimeout:      30 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			rt.Renewal.Start(ctx)

			done := make(chan error, 1)
			go func() {
				var err error
				if tlsConfig != nil {
					err = server.ListenAndServeTLS("", "")
				} else {
					err = server.ListenAndServe()
				}
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					done <- fmt.Errorf("server failed: %w", err)
					return
				}
				done <- nil
			}()

			out := cmd.OutOrStdout()
			printBanner(out)
			scheme := "http"
			if tlsConfig != nil {
				scheme = "https"
			}
			fmt.Fprintf(out, "Listening on %s://%s (backend: %s, data: %s)\n", scheme, cfg.Addr, rt.Config.Storage.Backend, rt.Config.DataDir)
			if next, err := rt.Renewal.NextRun(); err == nil {
				fmt.Fprintf(out, "Next renewal sweep at %s\n", next.Format(time.RFC3339))
			}

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(quit)

			select {
			case sig := <-quit:
				fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
				a.Drain()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("server shutdown failed: %w", err)
				}
				return nil
			case err := <-done:
				return err
			}
		})
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&serverAddr, "addr", "", "Listen address (overrides config, default :8443)")
}
