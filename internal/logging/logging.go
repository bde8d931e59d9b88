// Package logging builds the process logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatJSON = "json"
	FormatText = "text"

	EnvProduction = "production"
)

// Config selects the encoding and minimum level. Env "production" forces
// JSON regardless of Format.
type Config struct {
	Format string
	Level  string
	Env    string
}

func (c Config) encoding() string {
	if c.Env == EnvProduction || strings.EqualFold(c.Format, FormatJSON) {
		return FormatJSON
	}
	return "console"
}

// New returns a logger writing to stdout.
func New(cfg Config) (*zap.Logger, error) {
	zcfg, err := cfg.zapConfig()
	if err != nil {
		return nil, err
	}
	return zcfg.Build()
}

func (c Config) zapConfig() (zap.Config, error) {
	level := zap.NewAtomicLevel()
	raw := c.Level
	if raw == "" {
		raw = "info"
	}
	if err := level.UnmarshalText([]byte(strings.ToLower(raw))); err != nil {
		return zap.Config{}, fmt.Errorf("log level %q: %w", c.Level, err)
	}

	encoding := c.encoding()
	encodeLevel := zapcore.LowercaseLevelEncoder
	if encoding != FormatJSON {
		encodeLevel = zapcore.CapitalLevelEncoder
	}

	return zap.Config{
		Level:            level,
		Encoding:         encoding,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:     "msg",
			LevelKey:       "level",
			NameKey:        "component",
			CallerKey:      "caller",
			TimeKey:        "time",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.RFC3339TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
			EncodeName:     zapcore.FullNameEncoder,
		},
	}, nil
}
