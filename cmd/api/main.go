package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"web/markergrid/api"
	"web/markergrid/config"
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
		runnerAddr string
		embedded   bool
	)
	cmd := &cobra.Command{
		Use:          "api",
		Short:        "Serve the marker layer HTTP API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("runner") {
				cfg.Server.RunnerAddr = runnerAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, embedded)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	cmd.Flags().StringVar(&addr, "addr", config.DefaultServerAddr, "HTTP listen address")
	cmd.Flags().StringVar(&runnerAddr, "runner", config.DefaultRunnerAddr, "gRPC address of the layer runner")
	cmd.Flags().BoolVar(&embedded, "embedded", false, "host the layers in this process instead of dialing a runner")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, embedded bool) error {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	logging.SetDefault(logger)
	gin.SetMode(cfg.Server.Mode)

	m := metrics.New(cfg.Metrics.Namespace)

	var svc runner.Service
	if embedded {
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
		svc = r
	} else {
		conn, err := runner.Dial(cfg.Server.RunnerAddr)
		if err != nil {
			return fmt.Errorf("failed to connect to runner at %s: %w", cfg.Server.RunnerAddr, err)
		}
		defer conn.Close()
		svc = runner.NewClient(conn)
		logger.Info("using runner", logging.String("addr", cfg.Server.RunnerAddr))
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewServer(svc, logger.Named("http"), m).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", logging.String("addr", srv.Addr), logging.Bool("embedded", embedded))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
