// Package logging provides the scoped, leveled, redacting logger used by
// every subsystem, plus correlation ID propagation.
package logging

import (
	"container/list"
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is an ordered log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	default:
		return "error"
	}
}

// ParseLevel maps an env value to a Level. Invalid values mean info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// levelFromEnv resolves the process log level. DEBUG_CODEX_PLUGIN=1 wins.
func levelFromEnv() Level {
	if os.Getenv("DEBUG_CODEX_PLUGIN") == "1" {
		return LevelDebug
	}
	return ParseLevel(os.Getenv("CODEX_PLUGIN_LOG_LEVEL"))
}

// Record is the structured shape every emission takes.
type Record struct {
	Timestamp string         `json:"timestamp"`
	Service   string         `json:"service"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Logger is scoped to one subsystem. All writes are redacted first.
type Logger struct {
	service string
	level   Level
	console bool
	out     io.Writer
	mu      sync.Mutex
	timers  *timerLRU
	now     func() time.Time
}

// New creates a logger scoped to a subsystem name, configured from env.
func New(service string) *Logger {
	return &Logger{
		service: service,
		level:   levelFromEnv(),
		console: os.Getenv("CODEX_CONSOLE_LOG") == "1",
		out:     os.Stderr,
		timers:  newTimerLRU(maxTimers),
		now:     time.Now,
	}
}

// WithOutput redirects structured output, for tests.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	l.out = w
	return l
}

// WithLevel overrides the env-derived level.
func (l *Logger) WithLevel(level Level) *Logger {
	l.level = level
	return l
}

func (l *Logger) Debug(msg string, data ...map[string]any) { l.emit(LevelDebug, msg, data...) }
func (l *Logger) Info(msg string, data ...map[string]any)  { l.emit(LevelInfo, msg, data...) }
func (l *Logger) Warn(msg string, data ...map[string]any)  { l.emit(LevelWarn, msg, data...) }

// Error always emits regardless of the configured level.
func (l *Logger) Error(msg string, data ...map[string]any) { l.emit(LevelError, msg, data...) }

func (l *Logger) emit(level Level, msg string, data ...map[string]any) {
	if level < l.level && level != LevelError {
		return
	}
	rec := Record{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Service:   l.service,
		Level:     level.String(),
		Message:   RedactString(msg),
	}
	extra := map[string]any{}
	if id := CurrentCorrelationID(); id != "" {
		extra["correlationId"] = id
	}
	if len(data) > 0 && data[0] != nil {
		extra["data"] = Sanitize(map[string]any(data[0]))
	}
	if len(extra) > 0 {
		rec.Extra = extra
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	l.out.Write(append(line, '\n'))
	if l.console {
		log.Printf("[%s] %s: %s", rec.Service, rec.Level, rec.Message)
	}
}

// maxTimers bounds the named-timer map so abandoned timers cannot leak.
const maxTimers = 100

type timerLRU struct {
	cap     int
	order   *list.List
	entries map[string]*list.Element
}

type timerEntry struct {
	name  string
	start time.Time
}

func newTimerLRU(cap int) *timerLRU {
	return &timerLRU{cap: cap, order: list.New(), entries: make(map[string]*list.Element)}
}

// StartTimer records a named start instant, evicting the oldest timer at cap.
func (l *Logger) StartTimer(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.timers.entries[name]; ok {
		el.Value.(*timerEntry).start = l.now()
		l.timers.order.MoveToFront(el)
		return
	}
	if l.timers.order.Len() >= l.timers.cap {
		oldest := l.timers.order.Back()
		if oldest != nil {
			delete(l.timers.entries, oldest.Value.(*timerEntry).name)
			l.timers.order.Remove(oldest)
		}
	}
	el := l.timers.order.PushFront(&timerEntry{name: name, start: l.now()})
	l.timers.entries[name] = el
}

// EndTimer logs the elapsed time for a named timer and removes it.
func (l *Logger) EndTimer(name string) {
	l.mu.Lock()
	el, ok := l.timers.entries[name]
	var elapsed time.Duration
	if ok {
		elapsed = l.now().Sub(el.Value.(*timerEntry).start)
		delete(l.timers.entries, name)
		l.timers.order.Remove(el)
	}
	l.mu.Unlock()
	if ok {
		l.Debug("timer "+name, map[string]any{"elapsedMs": elapsed.Milliseconds()})
	}
}
