package bootstrap

import (
	"context"
	"fmt"

	"creator-payouts/pkg/config"
	"creator-payouts/services/campaign"
	"creator-payouts/services/jobs"
	"creator-payouts/services/ledger"
	"creator-payouts/services/payout"
	"creator-payouts/services/wallet"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db     *gorm.DB
	config *config.Config
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		config: p.Config,
	}
}

// Models is every table the payout engine owns.
func Models() []any {
	var models []any
	models = append(models, campaign.Models()...)
	models = append(models, payout.Models()...)
	models = append(models, ledger.Models()...)
	models = append(models, wallet.Models()...)
	models = append(models, jobs.Models()...)
	return models
}

// Migrate brings the schema up to date. Evaluation needs a treasury wallet,
// so a missing one is reported here rather than on the first sweep.
func (s *Service) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		zap.L().Error("[bootstrap] schema migration failed", zap.Error(err))
		return fmt.Errorf("migrate schema: %w", err)
	}
	zap.L().Info("[bootstrap] schema migrated", zap.Int("tables", len(Models())))

	if s.config.Treasury.WalletID == "" {
		zap.L().Warn("[bootstrap] TREASURY.WALLET_ID is not set; bonus evaluation will refuse to run")
	}
	return nil
}
