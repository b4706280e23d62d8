// Package logging builds the zap logger shared by every service.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	Name   string
}

// New creates a logger. An unknown level falls back to info.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			level = zapcore.InfoLevel
		}
	}

	var zcfg zap.Config
	switch strings.ToLower(cfg.Format) {
	case "console":
		zcfg = zap.NewDevelopmentConfig()
	case "", "json":
		zcfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if cfg.Name != "" {
		logger = logger.Named(cfg.Name)
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Field names shared across packages.
const (
	FieldWorldID       = "world_id"
	FieldCorrelationID = "correlation_id"
	FieldSubsystem     = "subsystem"
	FieldBeatIndex     = "beat_index"
	FieldEntityID      = "entity_id"
	FieldTopic         = "topic"
	FieldEventID       = "event_id"
	FieldHop           = "hop"
)

func WorldID(id string) zap.Field       { return zap.String(FieldWorldID, id) }
func CorrelationID(id string) zap.Field { return zap.String(FieldCorrelationID, id) }
func Subsystem(kind string) zap.Field   { return zap.String(FieldSubsystem, kind) }
func BeatIndex(i int) zap.Field         { return zap.Int(FieldBeatIndex, i) }
func EntityID(id string) zap.Field      { return zap.String(FieldEntityID, id) }
func Topic(t string) zap.Field          { return zap.String(FieldTopic, t) }
func EventID(id string) zap.Field       { return zap.String(FieldEventID, id) }
func Hop(h int) zap.Field               { return zap.Int(FieldHop, h) }
