// Package logging builds the zap logger shared by all components.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dailytasks/dailytasks-netcontrol/internal/config"
)

// New creates a logger from cfg. Development mode writes colored console
// output, otherwise JSON. cfg.Level applies in both modes, except that
// development mode lowers the default "info" to debug. When cfg.File is set
// logs are written there in addition to stderr.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	levelName := cfg.Level
	if cfg.Development && (levelName == "" || levelName == "info") {
		levelName = "debug"
	}
	if levelName != "" {
		level, err := zapcore.ParseLevel(levelName)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", levelName, err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}

	if cfg.File != "" {
		zc.OutputPaths = append(zc.OutputPaths, cfg.File)
		zc.ErrorOutputPaths = append(zc.ErrorOutputPaths, cfg.File)
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger.Named("netcontrol"), nil
}
