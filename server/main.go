package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	kmip "github.com/infisical/kmip-engine"
	"github.com/infisical/kmip-engine/config"
)

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err = cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LoggingLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	stdLog := newStdLog(logger.Named("kmip"))

	server, err := kmip.NewKmipServer(cfg, stdLog)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting KMIP server",
		zap.String("address", cfg.Address()),
		zap.String("auth_suite", cfg.AuthSuite),
		zap.String("policy_path", cfg.PolicyPath),
		zap.String("store", cfg.StoreBackend),
	)

	return server.Run(ctx)
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "kmip-server",
		Short:         "KMIP key server with hot-reloaded operation policies",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "path to the configuration file (yaml, toml or json)")

	// .env is optional
	_ = godotenv.Load()

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "kmip-server: %s\n", err)
		os.Exit(1)
	}
}
