package featureflags

import (
	"context"

	"creator-payouts/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

type FeatureFlag interface {
	// Enabled reports whether the named flag is on. Without a configured
	// flag service every flag is on.
	Enabled(ctx context.Context, name string) (bool, error)
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		zap.L().Info("[FeatureFlag] flagsmith not configured, all flags enabled")
		return &featureflag{}
	}

	opts := []flagsmith.Option{
		flagsmith.WithAnalytics(),
	}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) Enabled(ctx context.Context, name string) (bool, error) {
	if s.client == nil || name == "" {
		return true, nil
	}

	flags, err := s.client.GetEnvironmentFlags()
	if err != nil {
		return false, err
	}

	return flags.IsFeatureEnabled(name)
}

// Static is a fixed flag set, handy for tests and local runs.
type Static map[string]bool

func (s Static) Enabled(ctx context.Context, name string) (bool, error) {
	enabled, ok := s[name]
	if !ok {
		return true, nil
	}
	return enabled, nil
}
