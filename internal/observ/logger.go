package observ

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a structured logger based on environment
func NewLogger(env, level string) (*zap.Logger, error) {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	// Parse level
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.InitialFields = map[string]interface{}{"service": "driveline"}

	return config.Build()
}

// ForSession tags a logger with the signed-in user so every line from the
// session's components can be traced back to it.
func ForSession(logger *zap.Logger, username, role string) *zap.Logger {
	if username == "" {
		return logger.With(zap.Bool("anonymous", true))
	}
	return logger.With(zap.String("user", username), zap.String("role", role))
}
