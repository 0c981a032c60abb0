package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/stockledger/cmd/ledgerctl/cli"
	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/migrations"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping ledgerctl")
		return
	}
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.LoadDotEnv(); err != nil {
		slog.Default().Error("load .env", slog.Any("error", err))
		return cli.ExitFailure
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return cli.ExitFailure
	}
	logger := app.NewLogger(cfg, nil)

	rt, err := app.Bootstrap(ctx, cfg, logger, app.RuntimeOptions{})
	if err != nil {
		logger.Error("bootstrap ledger", slog.Any("error", err))
		return cli.ExitFailure
	}
	defer rt.Close()

	opts := cli.Options{
		Gateway: rt.Gateway,
		Persist: rt.Persist,
	}
	if rt.Jobs != nil {
		opts.Queue = rt.Jobs
	}
	if rt.Pool != nil {
		opts.Migrate = func(ctx context.Context) ([]string, error) {
			return db.Migrate(ctx, rt.Pool, migrations.FS, logger)
		}
	}
	ledgerctl, err := cli.New(opts)
	if err != nil {
		logger.Error("init cli", slog.Any("error", err))
		return cli.ExitFailure
	}
	return ledgerctl.Run(ctx, os.Args[1:])
}
