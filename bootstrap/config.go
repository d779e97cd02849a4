package bootstrap

import (
	"fmt"
	"os"

	"rulebox/config"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger initializes the zap logger with colored console output at the
// given level. An unknown level falls back to info.
func InitLogger(level string) (*zap.Logger, *zap.SugaredLogger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = zapcore.InfoLevel
		}
	}

	// Create a colored console encoder config
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder // Colored levels
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder        // Readable timestamps
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder      // Short file paths

	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	core := zapcore.NewCore(
		consoleEncoder,
		zapcore.AddSync(os.Stdout),
		zap.NewAtomicLevelAt(lvl),
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the application configuration from path, or from the
// default search path when path is empty.
func InitConfig(path string, sugar *zap.SugaredLogger) (*config.Config, error) {
	cfg, err := config.LoadConfigFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if viper.ConfigFileUsed() == "" {
		sugar.Info("No config file found, using defaults and env vars")
	}

	sugar.Infow("Data paths configuration",
		"data_dir", cfg.GetDataDir(),
		"sqlite_path", cfg.GetSQLitePath(),
		"scratch_dir", cfg.GetScratchDir())

	sugar.Infow("Config loaded",
		"storage_driver", cfg.Storage.Driver,
		"api_port", cfg.API.Port,
		"auth_enabled", cfg.Auth.Enabled,
		"sigma_engine", cfg.Sigma.Engine.Command)

	return cfg, nil
}

// DataDirectoriesFromConfig creates DataDirectories from configuration.
func DataDirectoriesFromConfig(cfg *config.Config) DataDirectories {
	return DataDirectories{
		Base:    cfg.GetDataDir(),
		Scratch: cfg.GetScratchDir(),
		SQLite:  cfg.GetSQLitePath(),
	}
}
