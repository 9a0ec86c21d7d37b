package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/yitech/candlefeed/config"
	"github.com/yitech/candlefeed/logger"
	"github.com/yitech/candlefeed/market"
	"github.com/yitech/candlefeed/server"
)

type rootOptions struct {
	configPath string
	envFile    string
	addr       string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "candlefeed",
		Short:        "Serve continuously reconciled candle streams over gRPC",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file (defaults apply when empty)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (overrides server.addr)")

	cmd.AddCommand(newWatchCmd(opts))
	return cmd
}

// setup loads configuration and builds the logger and market service
// shared by every command.
func setup(opts *rootOptions) (*config.Config, *zap.Logger, *market.Service, error) {
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return nil, nil, nil, err
	}
	cfg, err := config.LoadFromFile(opts.configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	svc, err := market.NewFromConfig(cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, svc, nil
}

func serve(ctx context.Context, opts *rootOptions) error {
	cfg, log, svc, err := setup(opts)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	defer svc.Close()

	addr := cfg.Server.Addr
	if opts.addr != "" {
		addr = opts.addr
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	g := grpc.NewServer()
	srv := server.New(svc, log)
	srv.Register(g)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		return g.Serve(lis)
	})
	eg.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		srv.Shutdown(g, cfg.Server.ShutdownTimeout)
		return nil
	})
	return eg.Wait()
}
