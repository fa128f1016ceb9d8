package logger

import (
	"os"

	"creator-payouts/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Module = fx.Module("zap",
	fx.Provide(
		New,
	),
)

type ConfigParams struct {
	fx.In
	Cfg *config.Config
}

func New(p ConfigParams) *zap.Logger {
	log := Build(p.Cfg)
	zap.ReplaceGlobals(log)
	return log
}

// Build returns the development logger outside production and a JSON logger
// in production. LOG.FILE adds a size-rotated file sink next to stdout.
func Build(cfg *config.Config) *zap.Logger {
	log := zap.Must(zap.NewDevelopment())
	if cfg == nil {
		return log
	}

	if cfg.AppEnv == "production" {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "timestamp"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encCfg.StacktraceKey = "stacktrace"
		encCfg.LevelKey = "severity"
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encCfg.CallerKey = "caller"
		encCfg.EncodeCaller = zapcore.ShortCallerEncoder

		level := zap.NewAtomicLevelAt(zap.InfoLevel)
		if cfg.Log.Level != "" {
			if parsed, err := zapcore.ParseLevel(cfg.Log.Level); err == nil {
				level.SetLevel(parsed)
			}
		}

		sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stdout)}
		if cfg.Log.File != "" {
			sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
				Filename:   cfg.Log.File,
				MaxSize:    orDefault(cfg.Log.MaxSizeMB, 100),
				MaxBackups: orDefault(cfg.Log.MaxBackups, 5),
				MaxAge:     orDefault(cfg.Log.MaxAgeDays, 14),
				Compress:   true,
			}))
		}

		core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.NewMultiWriteSyncer(sinks...), level)
		log = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel),
			zap.ErrorOutput(zapcore.Lock(os.Stderr)))
	}

	return log.With(
		zap.String("env", cfg.AppEnv),
		zap.String("service_name", cfg.AppName),
	)
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
