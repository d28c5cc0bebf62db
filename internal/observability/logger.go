package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level is log severity, lowest to highest.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLevel converts a level name; unknown names default to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	}
	return "unknown"
}

// jsonLogger writes one JSON object per entry with stable standard
// fields. Safe for concurrent use.
type jsonLogger struct {
	mu       sync.Mutex
	out      io.Writer
	service  string
	env      string
	hostname string
	minLevel Level
	fields   Fields
}

func newJSONLogger(service, env, level string, out io.Writer, fields Fields) *jsonLogger {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return &jsonLogger{
		out:      out,
		service:  service,
		env:      env,
		hostname: hostname,
		minLevel: ParseLevel(level),
		fields:   fields,
	}
}

func (l *jsonLogger) Debug(ctx context.Context, msg string, fields Fields) {
	if l.minLevel > DebugLevel {
		return
	}
	l.log(ctx, DebugLevel, msg, nil, fields)
}

func (l *jsonLogger) Info(ctx context.Context, msg string, fields Fields) {
	if l.minLevel > InfoLevel {
		return
	}
	l.log(ctx, InfoLevel, msg, nil, fields)
}

func (l *jsonLogger) Warn(ctx context.Context, msg string, fields Fields) {
	if l.minLevel > WarnLevel {
		return
	}
	l.log(ctx, WarnLevel, msg, nil, fields)
}

func (l *jsonLogger) Error(ctx context.Context, msg string, err error, fields Fields) {
	l.log(ctx, ErrorLevel, msg, err, fields)
}

func (l *jsonLogger) WithFields(fields Fields) Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &jsonLogger{
		out:      l.out,
		service:  l.service,
		env:      l.env,
		hostname: l.hostname,
		minLevel: l.minLevel,
		fields:   merged,
	}
}

type ctxKey string

// CtxJobID carries the job id through contexts so every log line in a
// job's lifetime can be correlated.
const CtxJobID ctxKey = "job_id"

func (l *jsonLogger) log(ctx context.Context, level Level, msg string, err error, fields Fields) {
	entry := make(Fields, len(l.fields)+len(fields)+8)
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["service"] = l.service
	entry["env"] = l.env
	entry["hostname"] = l.hostname
	entry["message"] = msg

	if jobID, ok := ctx.Value(CtxJobID).(string); ok {
		entry["job_id"] = jobID
	}
	if err != nil {
		entry["error"] = err.Error()
		entry["error_type"] = fmt.Sprintf("%T", err)
	}
	for k, v := range l.fields {
		entry[k] = v
	}
	for k, v := range fields {
		entry[k] = v
	}

	data, mErr := json.Marshal(entry)
	if mErr != nil {
		data = []byte(fmt.Sprintf(`{"level":"error","message":"log marshal failed","error":%q}`, mErr))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Write(append(data, '\n'))
}
