// Package utils holds small ambient helpers shared across the proxy:
// leveled logging, a scheduled-task runner, and pooled buffers.
package utils

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"time"
)

// LogLevel controls verbosity, from silent to debug.
type LogLevel int

const (
	LogNone LogLevel = iota - 1
	LogError
	LogWarn
	LogInfo
	LogDebug
)

func (l LogLevel) String() string {
	switch l {
	case LogNone:
		return "NONE"
	case LogError:
		return "ERROR"
	case LogWarn:
		return "WARN"
	case LogInfo:
		return "INFO"
	case LogDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel maps a config string to a LogLevel.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch s {
	case "none":
		return LogNone, true
	case "error":
		return LogError, true
	case "warn":
		return LogWarn, true
	case "info":
		return LogInfo, true
	case "debug":
		return LogDebug, true
	default:
		return LogInfo, false
	}
}

type logConfig struct {
	mu    sync.RWMutex
	level LogLevel
}

var (
	cfg          = &logConfig{level: LogInfo}
	customLogger = log.New(os.Stdout, "", 0)
)

// SetLogLevel sets the process-wide minimum level that gets written.
func SetLogLevel(level LogLevel) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	cfg.level = level
}

// GetLogLevel returns the current minimum level.
func GetLogLevel() LogLevel {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return cfg.level
}

// WriteLog writes a formatted line if level is at or below the configured
// verbosity. Timestamped, single line, no external transport.
func WriteLog(level LogLevel, format string, args ...interface{}) {
	cfg.mu.RLock()
	current := cfg.level
	cfg.mu.RUnlock()

	if current == LogNone || level > current {
		return
	}

	ts := time.Now().Format("2006-01-02 15:04:05.000")
	customLogger.Println(fmt.Sprintf("%s [%s] %s", ts, level.String(), fmt.Sprintf(format, args...)))
}

// HandlePanicWithContext recovers a panic in the calling goroutine, logs it
// with a stack trace and the supplied operation name, and lets the goroutine
// unwind normally instead of crashing the process. Meant to be deferred at
// the top of every long-lived goroutine (worker loops, per-connection
// handlers, background sweeps).
func HandlePanicWithContext(operation string) {
	if r := recover(); r != nil {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		WriteLog(LogError, "panic in %s: %v\n%s", operation, r, buf[:n])
	}
}
