package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hiveforge/substrate/core"
)

// ProductionLogger wraps zap.Logger behind core.ComponentAwareLogger, so
// the substrate gets JSON logs with caller info and levels without
// hand-rolling field formatting.
type ProductionLogger struct {
	z         *zap.Logger
	component string
}

// NewProductionLogger builds a ProductionLogger. level is one of
// debug/info/warn/error; json controls encoding (console is used only in
// Development mode).
func NewProductionLogger(level string, json bool) (*ProductionLogger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	if !json {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &ProductionLogger{z: z}, nil
}

func (p *ProductionLogger) WithComponent(component string) core.Logger {
	return &ProductionLogger{z: p.z.With(zap.String("component", component)), component: component}
}

func toZapFields(fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	p.z.Debug(msg, toZapFields(fields)...)
	p.emitMetric("debug", msg)
}
func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.z.Info(msg, toZapFields(fields)...)
	p.emitMetric("info", msg)
}
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.z.Warn(msg, toZapFields(fields)...)
	p.emitMetric("warn", msg)
}
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.z.Error(msg, toZapFields(fields)...)
	p.emitMetric("error", msg)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.Info(msg, withTraceID(ctx, fields))
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.Error(msg, withTraceID(ctx, fields))
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.Warn(msg, withTraceID(ctx, fields))
}
func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.Debug(msg, withTraceID(ctx, fields))
}

// emitMetric feeds the global metrics registry a log-volume counter, the
// same pattern core.GetGlobalMetricsRegistry() callers use elsewhere.
func (p *ProductionLogger) emitMetric(level, msg string) {
	if reg := core.GetGlobalMetricsRegistry(); reg != nil {
		reg.Counter("log.events", "level", level, "component", p.component)
	}
}

// Sync flushes buffered log entries. Call on shutdown.
func (p *ProductionLogger) Sync() error {
	return p.z.Sync()
}
