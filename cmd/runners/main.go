package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/reflection"

	"web/markergrid/config"
	"web/markergrid/feed"
	"web/markergrid/logging"
	"web/markergrid/metrics"
	"web/markergrid/runner"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		addr       string
		maxLayers  int
	)
	cmd := &cobra.Command{
		Use:          "runners",
		Short:        "Serve marker layers over gRPC",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Runner.Addr = addr
			}
			if cmd.Flags().Changed("max-layers") {
				cfg.Runner.MaxLayers = maxLayers
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	cmd.Flags().StringVar(&addr, "addr", config.DefaultRunnerListen, "gRPC listen address")
	cmd.Flags().IntVar(&maxLayers, "max-layers", config.DefaultMaxLayers, "maximum number of layers kept in memory")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	logging.SetDefault(logger)

	m := metrics.New(cfg.Metrics.Namespace)
	opts := runner.OptionsFromConfig(cfg)
	opts.Logger = logger.Named("runner")
	opts.Metrics = m

	r, err := runner.NewRunner(opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.Error("failed to save layers on shutdown", logging.Err(err))
		}
	}()

	lis, err := net.Listen("tcp", cfg.Runner.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Runner.Addr, err)
	}
	s, hs := runner.NewGRPCServer(r, logger.Named("grpc"))
	reflection.Register(s)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting grpc server", logging.String("addr", lis.Addr().String()))
		return s.Serve(lis)
	})

	var metricsSrv *http.Server
	if cfg.Runner.MetricsAddr != "" {
		metricsSrv = &http.Server{Addr: cfg.Runner.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("starting metrics server", logging.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if cfg.Feed.Enabled {
		rdb := feed.NewRedisClient(cfg.Feed)
		defer rdb.Close()
		sub := feed.NewSubscriber(rdb, r, cfg.Feed.Prefix, logger, m)
		g.Go(func() error { return sub.Run(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		hs.Shutdown()

		stopped := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(stopped)
		}()
		timer := time.NewTimer(cfg.Server.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-stopped:
		case <-timer.C:
			logger.Warn("graceful stop timed out; forcing")
			s.Stop()
		}

		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	return g.Wait()
}
