// Package main provides the CLI entry point for the ss2022 proxy server.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mist-net/ss2022d/internal/config"
	"github.com/mist-net/ss2022d/internal/logging"
	"github.com/mist-net/ss2022d/internal/metrics"
	"github.com/mist-net/ss2022d/ss2022"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "ss2022d",
		Short:   "Shadowsocks 2022 (SIP022) AEAD TCP proxy server",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		Long:  "Load the configuration file and run the proxy server until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./ss2022.json", "Path to JSON configuration file")

	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	psk, err := cfg.PSK()
	if err != nil {
		return err
	}

	m := metrics.Default()

	srv, err := ss2022.NewServer(ss2022.Method(cfg.Method), psk,
		ss2022.WithLogger(logger),
		ss2022.WithMetrics(m),
		ss2022.WithReplayWindow(cfg.ReplayWindow()),
		ss2022.WithTimestampSkew(cfg.TimestampSkew()),
	)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	listenAddr, err := cfg.ListenAddr()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}

	logger.Info("starting proxy server",
		logging.KeyMethod, cfg.Method,
		"listen", listenAddr,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := srv.Serve(gctx, ln)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})

	if cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.Handler(),
		}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			err := metricsSrv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return srv.Close()
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", "err", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}
