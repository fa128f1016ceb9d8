package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"creator-payouts/internal/httpapi"
	"creator-payouts/pkg/config"
	"creator-payouts/pkg/db"
	"creator-payouts/pkg/featureflags"
	"creator-payouts/pkg/gen"
	"creator-payouts/pkg/hashistack/secretmanager"
	"creator-payouts/pkg/hashistack/servicediscover"
	"creator-payouts/pkg/health"
	"creator-payouts/pkg/logger"
	"creator-payouts/pkg/otelcol"
	"creator-payouts/pkg/profiling"
	"creator-payouts/pkg/redis"
	"creator-payouts/pkg/server"
	"creator-payouts/pkg/task"
	"creator-payouts/services/bootstrap"
	"creator-payouts/services/campaign"
	"creator-payouts/services/ledger"
	"creator-payouts/services/payout"
	"creator-payouts/services/wallet"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		configModule(),
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		gen.Module,
		task.Client,
		featureflags.Module,
		health.Module,
		bootstrap.Module,
		campaign.Module,
		ledger.Module,
		wallet.Module,
		payout.Module,
		server.ProvideHTTPServer,
		httpapi.Module,
		server.ProvideGRPCServer,
		servicediscover.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

func configModule() fx.Option {
	if os.Getenv("REMOTE_CONFIG_PROVIDER") != "" {
		return config.RemoteModule
	}
	return config.Module
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})
