package obs

import (
	"encoding/json"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger

	slogMu sync.Mutex
	slogL  *slog.Logger
)

// Logger returns the shared line logger. Every line it prints is one JSON
// object (access logs, audit events).
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest emits a structured JSON log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	if _, ok := entry["ts"]; !ok {
		entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if _, ok := entry["level"]; !ok {
		entry["level"] = "info"
	}
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}

// Slog returns the component logger. It writes JSON through the same sink as
// Logger so that tests which redirect Logger() also capture these lines.
func Slog() *slog.Logger {
	slogMu.Lock()
	defer slogMu.Unlock()
	if slogL == nil {
		slogL = slog.New(slog.NewJSONHandler(writerFunc(func(p []byte) (int, error) {
			return Logger().Writer().Write(p)
		}), &slog.HandlerOptions{Level: levelFromEnv()}))
	}
	return slogL
}

// SetSlog replaces the component logger. Passing nil restores the default.
func SetSlog(l *slog.Logger) {
	slogMu.Lock()
	slogL = l
	slogMu.Unlock()
}

// Component returns a child logger tagged with the component name.
func Component(name string) *slog.Logger {
	return Slog().With("component", name)
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("FINLLM_LOG_LEVEL"))) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

var _ io.Writer = writerFunc(nil)
