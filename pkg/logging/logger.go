package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LevelTrace LogLevel = iota - 1
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// LogConfig holds logging configuration
type LogConfig struct {
	Level       LogLevel `json:"level"`
	Format      string   `json:"format"`       // "json" or "text"
	Output      string   `json:"output"`       // "stdout", "stderr", or file path
	EnableFile  bool     `json:"enable_file"`  // Enable file logging
	FilePath    string   `json:"file_path"`    // Log file path
	EnableAsync bool     `json:"enable_async"` // Enable async logging
}

// Logger provides structured logging with context support
type Logger struct {
	config  LogConfig
	slogger *slog.Logger
	file    *os.File
	asyncCh chan LogEntry
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	UserKey   string         `json:"user,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	VenueID   string         `json:"venue_id,omitempty"`
	Error     string         `json:"error,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

// DefaultLogConfig returns sensible default logging configuration
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       LevelInfo,
		Format:      "json",
		Output:      "stdout",
		EnableAsync: false,
	}
}

// NewLogger creates a new structured logger
func NewLogger(config LogConfig) (*Logger, error) {
	ctx, cancel := context.WithCancel(context.Background())

	logger := &Logger{
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}

	var writer io.Writer
	switch config.Output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		if err := logger.setupFileLogging(); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to setup file logging: %w", err)
		}
		writer = logger.file
	}

	opts := &slog.HandlerOptions{Level: slog.Level(config.Level)}
	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	logger.slogger = slog.New(handler)

	if config.EnableAsync {
		logger.asyncCh = make(chan LogEntry, 1000)
		logger.wg.Add(1)
		go logger.asyncWorker()
	}

	return logger, nil
}

// ParseLevel maps the LOG_LEVEL env value to a LogLevel.
func ParseLevel(s string) LogLevel {
	switch s {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) setupFileLogging() error {
	if l.config.FilePath == "" {
		return fmt.Errorf("file path is required for file logging")
	}
	dir := filepath.Dir(l.config.FilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(l.config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	l.file = file
	return nil
}

// asyncWorker processes log entries asynchronously
func (l *Logger) asyncWorker() {
	defer l.wg.Done()
	for {
		select {
		case entry := <-l.asyncCh:
			l.writeEntry(entry)
		case <-l.ctx.Done():
			// Drain remaining entries
			for {
				select {
				case entry := <-l.asyncCh:
					l.writeEntry(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) writeEntry(entry LogEntry) {
	level := slog.Level(levelFromString(entry.Level))

	attrs := []slog.Attr{slog.Time("timestamp", entry.Timestamp)}
	if entry.Component != "" {
		attrs = append(attrs, slog.String("component", entry.Component))
	}
	if entry.UserKey != "" {
		attrs = append(attrs, slog.String("user", entry.UserKey))
	}
	if entry.JobID != "" {
		attrs = append(attrs, slog.String("job_id", entry.JobID))
	}
	if entry.VenueID != "" {
		attrs = append(attrs, slog.String("venue_id", entry.VenueID))
	}
	if entry.Error != "" {
		attrs = append(attrs, slog.String("error", entry.Error))
	}
	if entry.Caller != "" {
		attrs = append(attrs, slog.String("caller", entry.Caller))
	}
	for key, value := range entry.Fields {
		attrs = append(attrs, slog.Any(key, value))
	}

	l.slogger.LogAttrs(context.Background(), level, entry.Message, attrs...)
}

// Close gracefully shuts down the logger
func (l *Logger) Close() error {
	l.cancel()
	if l.config.EnableAsync {
		l.wg.Wait()
	}
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// WithComponent returns a logger scoped to one component name.
func (l *Logger) WithComponent(component string) *ComponentLogger {
	return &ComponentLogger{logger: l, component: component}
}

// ComponentLogger provides component-specific logging
type ComponentLogger struct {
	logger    *Logger
	component string
}

func (l *Logger) Trace(msg string, fields ...Field) { l.log(LevelTrace, msg, "", "", fields...) }
func (l *Logger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, "", "", fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.log(LevelInfo, msg, "", "", fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.log(LevelWarn, msg, "", "", fields...) }

func (l *Logger) Error(msg string, err error, fields ...Field) {
	l.log(LevelError, msg, errString(err), "", fields...)
}

// Fatal logs at fatal level and exits
func (l *Logger) Fatal(msg string, err error, fields ...Field) {
	l.log(LevelFatal, msg, errString(err), "", fields...)
	l.Close()
	os.Exit(1)
}

func (cl *ComponentLogger) Trace(msg string, fields ...Field) {
	cl.logger.log(LevelTrace, msg, "", cl.component, fields...)
}

func (cl *ComponentLogger) Debug(msg string, fields ...Field) {
	cl.logger.log(LevelDebug, msg, "", cl.component, fields...)
}

func (cl *ComponentLogger) Info(msg string, fields ...Field) {
	cl.logger.log(LevelInfo, msg, "", cl.component, fields...)
}

func (cl *ComponentLogger) Warn(msg string, fields ...Field) {
	cl.logger.log(LevelWarn, msg, "", cl.component, fields...)
}

func (cl *ComponentLogger) Error(msg string, err error, fields ...Field) {
	cl.logger.log(LevelError, msg, errString(err), cl.component, fields...)
}

func (cl *ComponentLogger) Fatal(msg string, err error, fields ...Field) {
	cl.logger.log(LevelFatal, msg, errString(err), cl.component, fields...)
	cl.logger.Close()
	os.Exit(1)
}

func (l *Logger) log(level LogLevel, msg, errorStr, component string, fields ...Field) {
	if l == nil {
		return
	}
	if level < l.config.Level {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     levelToString(level),
		Message:   msg,
		Component: component,
		Error:     errorStr,
		Fields:    make(map[string]any),
	}

	for _, field := range fields {
		switch field.Key {
		case "user":
			entry.UserKey = fmt.Sprint(field.Value)
		case "job_id":
			entry.JobID = fmt.Sprint(field.Value)
		case "venue_id":
			entry.VenueID = fmt.Sprint(field.Value)
		default:
			field.AddTo(entry.Fields)
		}
	}

	if level >= LevelWarn {
		if _, file, line, ok := runtime.Caller(2); ok {
			entry.Caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
		}
	}

	if l.config.EnableAsync {
		select {
		case l.asyncCh <- entry:
		default:
			// Async buffer full, log synchronously
			l.writeEntry(entry)
		}
	} else {
		l.writeEntry(entry)
	}
}

// Field represents a structured log field
type Field struct {
	Key   string
	Value any
}

// AddTo adds the field to the provided map
func (f Field) AddTo(m map[string]any) { m[f.Key] = f.Value }

// Field constructors
func String(key, value string) Field             { return Field{Key: key, Value: value} }
func Int(key string, value int) Field            { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field        { return Field{Key: key, Value: value} }
func Float64(key string, value float64) Field    { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field          { return Field{Key: key, Value: value} }
func Duration(key string, v time.Duration) Field { return Field{Key: key, Value: v} }
func Time(key string, value time.Time) Field     { return Field{Key: key, Value: value} }
func Any(key string, value any) Field            { return Field{Key: key, Value: value} }
func Error(err error) Field                      { return Field{Key: "error", Value: errString(err)} }

// Domain shorthands
func User(key string) Field   { return Field{Key: "user", Value: key} }
func JobID(id string) Field   { return Field{Key: "job_id", Value: id} }
func VenueID(id string) Field { return Field{Key: "venue_id", Value: id} }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func levelToString(level LogLevel) string {
	switch level {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func levelFromString(level string) LogLevel {
	switch level {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return LevelDebug
	case "WARN":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "FATAL":
		return LevelFatal
	default:
		return LevelInfo
	}
}
