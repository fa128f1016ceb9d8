package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	configHolder atomic.Value
	backend      = "consul"
	backendAddr  = "127.0.0.1:8500"
	backendPath  = "development" // e.g., app/<env>/<service_name>
	configType   = "yaml"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Log struct {
		Level      string `mapstructure:"LEVEL"`
		File       string `mapstructure:"FILE"`
		MaxSizeMB  int    `mapstructure:"MAX_SIZE_MB"`
		MaxBackups int    `mapstructure:"MAX_BACKUPS"`
		MaxAgeDays int    `mapstructure:"MAX_AGE_DAYS"`
	} `mapstructure:"LOG"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
		CORSOrigins  []string      `mapstructure:"CORS_ORIGINS"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Path           string `mapstructure:"PATH"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
		Metrics struct {
			Enable         bool   `mapstructure:"ENABLE"`
			HTTPServerPort uint32 `mapstructure:"HTTP_SERVER_PORT"`
		} `mapstructure:"METRICS"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Consul struct {
		Addr        string `mapstructure:"ADDR"`
		ServiceHost string `mapstructure:"SERVICE_HOST"`
	} `mapstructure:"CONSUL"`
	Otel struct {
		Exporter    string  `mapstructure:"EXPORTER"`
		Endpoint    string  `mapstructure:"ENDPOINT"`
		SampleRatio float64 `mapstructure:"SAMPLE_RATIO"`
	} `mapstructure:"OTEL"`
	Treasury struct {
		WalletID string `mapstructure:"WALLET_ID"`
	} `mapstructure:"TREASURY"`
	Bonus Bonus `mapstructure:"BONUS"`
}

// Bonus holds the accrual engine knobs.
type Bonus struct {
	SweepInterval     time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SettleInterval    time.Duration `mapstructure:"SETTLE_INTERVAL"`
	ReconcileInterval time.Duration `mapstructure:"RECONCILE_INTERVAL"`
	RequeueInterval   time.Duration `mapstructure:"REQUEUE_INTERVAL"`
	Concurrency       int           `mapstructure:"CONCURRENCY"`
	MinPayableCents   int64         `mapstructure:"MIN_PAYABLE_CENTS"`
	ClearingPeriod    time.Duration `mapstructure:"CLEARING_PERIOD"`
	TierCacheSize     int           `mapstructure:"TIER_CACHE_SIZE"`
	TierCacheTTL      time.Duration `mapstructure:"TIER_CACHE_TTL"`
	FeatureFlag       string        `mapstructure:"FEATURE_FLAG"`
	RepairDrift       bool          `mapstructure:"REPAIR_DRIFT"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))
var RemoteModule = fx.Module("remote.config", fx.Provide(LoadRemote))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "payouts")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("OTEL.EXPORTER", "none")
	v.SetDefault("OTEL.SAMPLE_RATIO", 1.0)
	v.SetDefault("BONUS.SWEEP_INTERVAL", 15*time.Minute)
	v.SetDefault("BONUS.SETTLE_INTERVAL", time.Hour)
	v.SetDefault("BONUS.RECONCILE_INTERVAL", 24*time.Hour)
	v.SetDefault("BONUS.REQUEUE_INTERVAL", 5*time.Minute)
	v.SetDefault("BONUS.CONCURRENCY", 8)
	v.SetDefault("BONUS.MIN_PAYABLE_CENTS", 1)
	v.SetDefault("BONUS.CLEARING_PERIOD", 72*time.Hour)
	v.SetDefault("BONUS.TIER_CACHE_SIZE", 1024)
	v.SetDefault("BONUS.TIER_CACHE_TTL", 5*time.Minute)
	v.SetDefault("BONUS.FEATURE_FLAG", "bonus_evaluation")
}

// Load reads config.yaml from the working directory (optional) overlaid by
// the environment, e.g. BONUS_SWEEP_INTERVAL=5m.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType(configType)
	v.AddConfigPath(".")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the accrual engine cannot run with.
func (c *Config) Validate() error {
	if c.Bonus.MinPayableCents < 1 {
		return fmt.Errorf("BONUS.MIN_PAYABLE_CENTS must be >= 1, got %d", c.Bonus.MinPayableCents)
	}
	if c.Bonus.Concurrency < 1 {
		return fmt.Errorf("BONUS.CONCURRENCY must be >= 1, got %d", c.Bonus.Concurrency)
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("NODE_ID must be within 0..1023, got %d", c.NodeID)
	}
	if c.Bonus.ClearingPeriod < 0 {
		return fmt.Errorf("BONUS.CLEARING_PERIOD must not be negative")
	}
	return nil
}

func LoadConfig(p Params) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if p.Vault != nil {
		if err := applySecrets(context.Background(), p.Vault, cfg); err != nil {
			return nil, err
		}
	}

	configHolder.Store(cfg)
	return cfg, nil
}

func applySecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		return fmt.Errorf("read vault secrets: %w", err)
	}
	zap.L().Info("Success Get Secret")

	get := func(key string) string {
		if val, ok := secret.Data.Data[key].(string); ok {
			return val
		}
		return ""
	}

	cfg.Database.User = get("postgres_user")
	cfg.Database.Password = get("postgres_password")
	cfg.Redis.Password = get("redis_password")
	cfg.Flagsmith.ApiKey = get("flagsmith_api_key")
	if id := get("treasury_wallet_id"); id != "" {
		cfg.Treasury.WalletID = id
	}
	return nil
}


func LoadRemote(p Params) (*Config, error) {
	if v, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		backend = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		backendAddr = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PATH"); ok {
		backendPath = v
	}

	remote := viper.New()
	setDefaults(remote)
	remote.SetConfigType(configType)
	if err := remote.AddRemoteProvider(backend, backendAddr, backendPath); err != nil {
		return nil, err
	}

	if err := remote.ReadRemoteConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := remote.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	configHolder.Store(&cfg)

	go func() {
		for {
			time.Sleep(time.Second * 5)

			if err := remote.WatchRemoteConfig(); err != nil {
				zap.L().Error("unable to read remote config", zap.Error(err))
				continue
			}

			var newcfg Config
			if err := remote.Unmarshal(&newcfg); err != nil || newcfg.Validate() != nil {
				zap.L().Warn("ignoring invalid remote config")
				continue
			}
			configHolder.Store(&newcfg)
		}
	}()

	if p.Vault != nil {
		if err := applySecrets(context.Background(), p.Vault, &cfg); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// Current returns the most recently loaded config, or nil before the first load.
func Current() *Config {
	if v, ok := configHolder.Load().(*Config); ok {
		return v
	}
	return nil
}
