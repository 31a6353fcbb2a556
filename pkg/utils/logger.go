package utils

// logger.go - настройка структурированного логирования на базе zap.
//
// Уровни: DEBUG, INFO, WARN, ERROR (переменная LOG_LEVEL).
// Форматы: json для production, console для разработки (LOG_FORMAT).

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger создаёт и настраивает глобальный logger.
//
// Параметры:
//   - level: debug | info | warn | error
//   - format: json | console
//
// Возвращённый logger также устанавливается как zap.L().
func InitLogger(level, format string) (*zap.Logger, error) {
	var cfg zap.Config

	switch strings.ToLower(format) {
	case "console", "text":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}

	zap.ReplaceGlobals(logger)
	return logger, nil
}

// parseLevel преобразует строку в уровень zap; неизвестные значения → info
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
