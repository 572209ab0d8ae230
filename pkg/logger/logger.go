package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	WithContext(ctx context.Context) Logger
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger
}

type Field struct {
	Key   string
	Value interface{}
}

type Fields map[string]interface{}

type logrusLogger struct {
	logger *logrus.Logger
	entry  *logrus.Entry
}

func New(level string, format string) Logger {
	return NewWithWriter(level, format, os.Stdout)
}

// NewWithWriter builds a logger writing to w instead of stdout.
func NewWithWriter(level string, format string, w io.Writer) Logger {
	log := logrus.New()

	parsedLevel, err := logrus.ParseLevel(level)
	if err != nil {
		parsedLevel = logrus.InfoLevel
	}
	log.SetLevel(parsedLevel)

	switch format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
			FullTimestamp:   true,
		})
	}

	log.SetOutput(w)

	return &logrusLogger{
		logger: log,
		entry:  log.WithFields(logrus.Fields{}),
	}
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() Logger {
	return NewWithWriter("panic", "text", io.Discard)
}

func (l *logrusLogger) Debug(msg string, fields ...Field) {
	l.withFields(fields).Debug(msg)
}

func (l *logrusLogger) Info(msg string, fields ...Field) {
	l.withFields(fields).Info(msg)
}

func (l *logrusLogger) Warn(msg string, fields ...Field) {
	l.withFields(fields).Warning(msg)
}

func (l *logrusLogger) Error(msg string, fields ...Field) {
	l.withFields(fields).Error(msg)
}

func (l *logrusLogger) Fatal(msg string, fields ...Field) {
	l.withFields(fields).Fatal(msg)
}

func (l *logrusLogger) WithContext(ctx context.Context) Logger {
	return &logrusLogger{
		logger: l.logger,
		entry:  l.entry.WithContext(ctx),
	}
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{
		logger: l.logger,
		entry:  l.entry.WithField(key, value),
	}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	logrusFields := logrus.Fields{}
	for k, v := range fields {
		logrusFields[k] = v
	}
	return &logrusLogger{
		logger: l.logger,
		entry:  l.entry.WithFields(logrusFields),
	}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{
		logger: l.logger,
		entry:  l.entry.WithError(err),
	}
}

func (l *logrusLogger) withFields(fields []Field) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}

	logrusFields := logrus.Fields{}
	for _, f := range fields {
		logrusFields[f.Key] = f.Value
	}
	return l.entry.WithFields(logrusFields)
}

// Default logger is used only by pkg/ infrastructure helpers that are
// constructed before a service logger exists.
var defaultLogger Logger

func init() {
	defaultLogger = New("info", "json")
}

func SetDefault(l Logger) {
	defaultLogger = l
}

func Default() Logger {
	return defaultLogger
}

func Debug(msg string, fields ...Field) {
	defaultLogger.Debug(msg, fields...)
}

func Info(msg string, fields ...Field) {
	defaultLogger.Info(msg, fields...)
}

func Warn(msg string, fields ...Field) {
	defaultLogger.Warn(msg, fields...)
}

func Error(msg string, fields ...Field) {
	defaultLogger.Error(msg, fields...)
}
