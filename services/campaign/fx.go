package campaign

import (
	"creator-payouts/pkg/config"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("campaign.module",
	fx.Provide(
		ProvideCatalog,
		NewContentStore,
		func(s *ContentStore) MetricSource { return s },
	),
)

func ProvideCatalog(db *gorm.DB, cfg *config.Config) Catalog {
	return NewCatalog(db, cfg.Bonus.TierCacheSize, cfg.Bonus.TierCacheTTL)
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Campaign{}, &BonusTier{}, &ContentItem{}}
}
