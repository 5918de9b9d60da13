// Package logger provides the zap setup shared by the geoindex binaries.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile specifies the file to write logs to. "stdout" or "stderr"
	// can be used to log to the console.
	OutputFile string `yaml:"output_file"`
	// Service is attached to every entry as the "service" field.
	// Defaults to "geoindex".
	Service string `yaml:"service"`
	// Sample keeps at most this many identical entries per second; the rest
	// are dropped. Zero disables sampling. Per-node debug logs of bulk loads
	// are the usual reason to set it.
	Sample int `yaml:"sample"`
}

// New creates a new zap.Logger based on the provided configuration.
// It's designed to be called once at process startup.
func New(config Config) (*zap.Logger, error) {
	l, _, err := NewWithLevel(config)
	return l, err
}

// NewWithLevel is New that also returns the level handle, so a running
// process can change verbosity.
func NewWithLevel(config Config) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(ParseLevel(config.Level))

	writeSyncer, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, level, err
	}

	core := zapcore.NewCore(getEncoder(config.Format), writeSyncer, level)
	if config.Sample > 0 {
		core = zapcore.NewSamplerWithOptions(core, time.Second, config.Sample, 0)
	}

	service := config.Service
	if service == "" {
		service = "geoindex"
	}
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).
		With(zap.String("service", service))
	return logger, level, nil
}

// ParseLevel maps a level name to a zap level. Unknown names fall back to
// info.
func ParseLevel(name string) zapcore.Level {
	l, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// getEncoder selects the log encoder based on the configured format.
func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.ToLower(format) == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// getWriteSyncer selects the output destination for the logs.
func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	default:
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}
