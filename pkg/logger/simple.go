// Package logger provides the substrate's structured logging implementations.
// Both Logger variants satisfy core.Logger / core.ComponentAwareLogger so any
// component can accept either without a type switch.
package logger

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/hiveforge/substrate/core"
)

// LogLevel orders log severities.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// SimpleLogger is a dependency-free logger over the standard library's log
// package. It is the default when no production logger is configured, and is
// what most unit tests use.
type SimpleLogger struct {
	level     LogLevel
	component string
	fields    map[string]interface{}
}

// NewSimpleLogger creates a SimpleLogger at InfoLevel.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{level: InfoLevel, fields: map[string]interface{}{}}
}

// NewDefaultLogger returns the package default core.Logger implementation.
func NewDefaultLogger() core.Logger {
	return NewSimpleLogger()
}

func (l *SimpleLogger) SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		l.level = DebugLevel
	case "INFO":
		l.level = InfoLevel
	case "WARN", "WARNING":
		l.level = WarnLevel
	case "ERROR":
		l.level = ErrorLevel
	}
}

func (l *SimpleLogger) WithComponent(component string) core.Logger {
	clone := l.clone()
	clone.component = component
	return clone
}

func (l *SimpleLogger) clone() *SimpleLogger {
	fields := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	return &SimpleLogger{level: l.level, component: l.component, fields: fields}
}

func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) { l.log("DEBUG", DebugLevel, msg, fields) }
func (l *SimpleLogger) Info(msg string, fields map[string]interface{})  { l.log("INFO", InfoLevel, msg, fields) }
func (l *SimpleLogger) Warn(msg string, fields map[string]interface{})  { l.log("WARN", WarnLevel, msg, fields) }
func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) { l.log("ERROR", ErrorLevel, msg, fields) }

func (l *SimpleLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, withTraceID(ctx, fields))
}
func (l *SimpleLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, withTraceID(ctx, fields))
}
func (l *SimpleLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, withTraceID(ctx, fields))
}
func (l *SimpleLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, withTraceID(ctx, fields))
}

func (l *SimpleLogger) log(tag string, level LogLevel, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", tag))
	if l.component != "" {
		parts = append(parts, fmt.Sprintf("component=%s", l.component))
	}
	parts = append(parts, msg)
	for k, v := range l.fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	log.Println(strings.Join(parts, " "))
}

type traceIDKey struct{}

// WithTraceID attaches a trace id to ctx for correlation across log lines.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

func withTraceID(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	if id, ok := ctx.Value(traceIDKey{}).(string); ok && id != "" {
		out["trace_id"] = id
	}
	return out
}

// GetLogLevel reads LOG_LEVEL from the environment, defaulting to INFO.
func GetLogLevel() string {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		return level
	}
	return "INFO"
}
