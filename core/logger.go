package core

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// ProductionLogger writes one JSON object per line. It is safe for concurrent
// use and enriches context-aware calls with the active trace/span IDs so log
// lines correlate with OpenTelemetry traces.
type ProductionLogger struct {
	mu        sync.Mutex
	out       io.Writer
	component string
	level     LogLevel
}

// LogLevel controls the minimum severity emitted.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func parseLevel(raw string) LogLevel {
	switch raw {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// NewProductionLogger creates a JSON logger writing to stdout. The level is
// taken from ORCH_LOG_LEVEL (debug|info|warn|error, default info).
func NewProductionLogger(component string) *ProductionLogger {
	return &ProductionLogger{
		out:       os.Stdout,
		component: component,
		level:     parseLevel(os.Getenv("ORCH_LOG_LEVEL")),
	}
}

// NewProductionLoggerWithWriter is intended for tests.
func NewProductionLoggerWithWriter(component string, out io.Writer) *ProductionLogger {
	return &ProductionLogger{out: out, component: component, level: LevelDebug}
}

// WithComponent returns a logger sharing the writer and level but tagged with
// a different component name.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{out: l.out, component: component, level: l.level}
}

func (l *ProductionLogger) emit(ctx context.Context, level LogLevel, levelName, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}
	entry := make(map[string]interface{}, len(fields)+5)
	for k, v := range fields {
		entry[k] = v
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = levelName
	entry["message"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			entry["trace_id"] = sc.TraceID().String()
			entry["span_id"] = sc.SpanID().String()
		}
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(line, '\n'))
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.emit(nil, LevelInfo, "info", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.emit(nil, LevelError, "error", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.emit(nil, LevelWarn, "warn", msg, fields)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.emit(nil, LevelDebug, "debug", msg, fields)
}

func (l *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(ctx, LevelInfo, "info", msg, fields)
}

func (l *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(ctx, LevelError, "error", msg, fields)
}

func (l *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(ctx, LevelWarn, "warn", msg, fields)
}

func (l *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(ctx, LevelDebug, "debug", msg, fields)
}
