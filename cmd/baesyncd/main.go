// Command baesyncd hosts library sync sessions for many tenants behind one
// HTTP endpoint, routing by hostname.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/baelib/baesync/internal/config"
	"github.com/baelib/baesync/internal/logging"
	"github.com/baelib/baesync/internal/tenant"
)

func main() {
	root := &cobra.Command{
		Use:          "baesyncd",
		Short:        "Multi-tenant library sync host",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve all registered tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logging.Init(logging.Config{Level: cfg.LogLevel, File: cfg.LogFile})
			log := logging.Component("server")

			cache := tenant.NewCache(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go cache.RunEviction(ctx, cfg.EvictionScan())

			srv := &http.Server{
				Addr:              cfg.Listen,
				Handler:           cache.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			log.Info().Str("listen", cfg.Listen).Int("tenants", len(cfg.Tenants)).Msg("serving")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "baesyncd.yaml", "path to config file")
	return cmd
}
