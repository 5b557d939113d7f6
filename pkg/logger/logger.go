package logger

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sipeed/llmbot/pkg/redaction"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var (
	logLevelNames = map[LogLevel]string{
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
		FATAL: "FATAL",
	}

	zerologLevels = map[LogLevel]zerolog.Level{
		DEBUG: zerolog.DebugLevel,
		INFO:  zerolog.InfoLevel,
		WARN:  zerolog.WarnLevel,
		ERROR: zerolog.ErrorLevel,
		FATAL: zerolog.FatalLevel,
	}

	currentLevel = INFO
	console      io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	logFile      *os.File
	base         zerolog.Logger
	mu           sync.RWMutex
	redactor     = redaction.NewRedactor()

	// exitFunc is replaced in tests so FATAL does not terminate the test binary.
	exitFunc = os.Exit
)

func init() {
	rebuild()
}

// rebuild recreates the zerolog logger from the current writers. Callers hold mu.
func rebuild() {
	var w io.Writer = console
	if logFile != nil {
		w = zerolog.MultiLevelWriter(console, logFile)
	}
	base = zerolog.New(w).With().Timestamp().Logger()
}

// ParseLevel maps a level name such as "debug" or "WARN" to a LogLevel.
func ParseLevel(name string) (LogLevel, error) {
	for level, levelName := range logLevelNames {
		if strings.EqualFold(levelName, strings.TrimSpace(name)) {
			return level, nil
		}
	}
	return INFO, fmt.Errorf("unknown log level %q", name)
}

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// SetOutput replaces the console writer. Passing nil restores stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	console = w
	rebuild()
}

// SetRedactor replaces the redactor applied to messages and string fields.
// Passing nil disables redaction.
func SetRedactor(r *redaction.Redactor) {
	mu.Lock()
	defer mu.Unlock()
	redactor = r
}

// EnableFileLogging mirrors every entry as a JSON line into filePath.
func EnableFileLogging(filePath string) error {
	mu.Lock()
	defer mu.Unlock()

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	if logFile != nil {
		logFile.Close()
	}

	logFile = file
	rebuild()
	return nil
}

func DisableFileLogging() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
		rebuild()
	}
}

func logMessage(level LogLevel, component string, message string, fields map[string]any) {
	mu.RLock()
	if level < currentLevel {
		mu.RUnlock()
		return
	}
	l := base
	r := redactor
	mu.RUnlock()

	message = r.Redact(message)
	fields = redactFields(r, fields)

	event := l.WithLevel(zerologLevels[level])
	if component != "" {
		event = event.Str("component", component)
	}
	if len(fields) > 0 {
		event = event.Fields(fields)
	}
	if level >= WARN {
		if _, file, line, ok := runtime.Caller(2); ok {
			event = event.Str("caller", fmt.Sprintf("%s:%d", file, line))
		}
	}
	event.Msg(message)

	if level == FATAL {
		exitFunc(1)
	}
}

func redactFields(r *redaction.Redactor, fields map[string]any) map[string]any {
	if r == nil || len(fields) == 0 {
		return fields
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			out[k] = r.Redact(val)
		case error:
			out[k] = r.Redact(val.Error())
		default:
			out[k] = v
		}
	}
	return out
}

func Debug(message string) {
	logMessage(DEBUG, "", message, nil)
}

func DebugC(component string, message string) {
	logMessage(DEBUG, component, message, nil)
}

func DebugF(message string, fields map[string]any) {
	logMessage(DEBUG, "", message, fields)
}

func DebugCF(component string, message string, fields map[string]any) {
	logMessage(DEBUG, component, message, fields)
}

func Info(message string) {
	logMessage(INFO, "", message, nil)
}

func InfoC(component string, message string) {
	logMessage(INFO, component, message, nil)
}

func InfoF(message string, fields map[string]any) {
	logMessage(INFO, "", message, fields)
}

func InfoCF(component string, message string, fields map[string]any) {
	logMessage(INFO, component, message, fields)
}

func Warn(message string) {
	logMessage(WARN, "", message, nil)
}

func WarnC(component string, message string) {
	logMessage(WARN, component, message, nil)
}

func WarnF(message string, fields map[string]any) {
	logMessage(WARN, "", message, fields)
}

func WarnCF(component string, message string, fields map[string]any) {
	logMessage(WARN, component, message, fields)
}

func Error(message string) {
	logMessage(ERROR, "", message, nil)
}

func ErrorC(component string, message string) {
	logMessage(ERROR, component, message, nil)
}

func ErrorF(message string, fields map[string]any) {
	logMessage(ERROR, "", message, fields)
}

func ErrorCF(component string, message string, fields map[string]any) {
	logMessage(ERROR, component, message, fields)
}

func Fatal(message string) {
	logMessage(FATAL, "", message, nil)
}

func FatalC(component string, message string) {
	logMessage(FATAL, component, message, nil)
}

func FatalCF(component string, message string, fields map[string]any) {
	logMessage(FATAL, component, message, fields)
}
