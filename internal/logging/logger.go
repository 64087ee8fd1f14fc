// Package logging provides a structured logging wrapper around zap.
// It supports JSON/console formats, log rotation, context-scoped fields,
// and an optional async core for high-throughput workers.
package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey struct{}

var (
	defaultLogger *Logger
	initOnce      sync.Once
)

// Config holds logger configuration.
type Config struct {
	Level           string `yaml:"level"`
	Format          string `yaml:"format"`
	Output          string `yaml:"output"`
	MaxSize         int    `yaml:"max_size"`
	MaxBackups      int    `yaml:"max_backups"`
	MaxAge          int    `yaml:"max_age"`
	Compress        bool   `yaml:"compress"`
	Async           bool   `yaml:"async"`
	AsyncBufferSize int    `yaml:"async_buffer_size"`
	Development     bool   `yaml:"development"`
}

// DefaultConfig returns sane defaults for production use.
func DefaultConfig() Config {
	return Config{
		Level:           "info",
		Format:          "json",
		Output:          "stdout",
		MaxSize:         100,
		MaxBackups:      5,
		MaxAge:          30,
		Compress:        true,
		Async:           false,
		AsyncBufferSize: 2000,
	}
}

// Logger wraps zap with context-scoped fields for job/account/window identity.
type Logger struct {
	zap    *zap.Logger
	sugar  *zap.SugaredLogger
	async  bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Logger from Config.
func New(cfg Config) (*Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	ec := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.Development {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.EncodeCaller = zapcore.FullCallerEncoder
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "json":
		encoder = zapcore.NewJSONEncoder(ec)
	case "console":
		encoder = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, fmt.Errorf("invalid format: %s (must be json or console)", cfg.Format)
	}

	ws, cleanup, err := newWriteSyncer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create write syncer: %w", err)
	}

	core := zapcore.NewCore(encoder, ws, level)

	l := &Logger{
		async:  cfg.Async,
		stopCh: make(chan struct{}),
	}
	if cfg.Async {
		core = &asyncCore{
			Core:       core,
			bufferSize: cfg.AsyncBufferSize,
			stopCh:     l.stopCh,
			wg:         &l.wg,
		}
	}

	zapOpts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1)}
	if cfg.Development {
		zapOpts = append(zapOpts, zap.Development())
	}
	if cleanup != nil {
		zapOpts = append(zapOpts, zap.Hooks(cleanup))
	}

	l.zap = zap.New(core, zapOpts...)
	l.sugar = l.zap.Sugar()
	return l, nil
}

// NewDefault returns a logger that never fails to construct.
func NewDefault() *Logger {
	l, err := New(DefaultConfig())
	if err != nil {
		z, _ := zap.NewProduction()
		return &Logger{zap: z, sugar: z.Sugar()}
	}
	return l
}

// SetDefault installs the package-level default logger.
func SetDefault(l *Logger) { defaultLogger = l }

// Default returns the package-level default logger, creating one on first use.
func Default() *Logger {
	initOnce.Do(func() {
		if defaultLogger == nil {
			defaultLogger = NewDefault()
		}
	})
	return defaultLogger
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	if l.async {
		close(l.stopCh)
		l.wg.Wait()
	}
	return l.zap.Sync()
}

// With returns a derived logger carrying the given fields on every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...), sugar: l.sugar.With(fieldsToArgs(fields)...)}
}

// WithContext attaches fields to ctx for later retrieval by the *Context logging methods.
func (l *Logger) WithContext(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, contextKey{}, append(getContextFields(ctx), fields...))
}

// WithJobID scopes ctx to a job id.
func (l *Logger) WithJobID(ctx context.Context, jobID string) context.Context {
	return l.WithContext(ctx, zap.String("job_id", jobID))
}

// WithAccountID scopes ctx to an account id.
func (l *Logger) WithAccountID(ctx context.Context, accountID string) context.Context {
	return l.WithContext(ctx, zap.String("account_id", accountID))
}

// WithWindowName scopes ctx to a browser window name.
func (l *Logger) WithWindowName(ctx context.Context, windowName string) context.Context {
	return l.WithContext(ctx, zap.String("window_name", windowName))
}

func getContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	if fields, ok := ctx.Value(contextKey{}).([]zap.Field); ok {
		return fields
	}
	return nil
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }

func (l *Logger) DebugContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Debug(msg, append(getContextFields(ctx), fields...)...)
}
func (l *Logger) InfoContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Info(msg, append(getContextFields(ctx), fields...)...)
}
func (l *Logger) WarnContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Warn(msg, append(getContextFields(ctx), fields...)...)
}
func (l *Logger) ErrorContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Error(msg, append(getContextFields(ctx), fields...)...)
}

func (l *Logger) Infof(template string, args ...interface{})  { l.sugar.Infof(template, args...) }
func (l *Logger) Warnf(template string, args ...interface{})  { l.sugar.Warnf(template, args...) }
func (l *Logger) Errorf(template string, args ...interface{}) { l.sugar.Errorf(template, args...) }

func Debug(msg string, fields ...zap.Field) { Default().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Default().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Default().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Default().Error(msg, fields...) }

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown level: %s", level)
	}
}

func newWriteSyncer(cfg Config) (zapcore.WriteSyncer, func(zapcore.Entry) error, error) {
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil, nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil, nil
	default:
		dir := filepath.Dir(cfg.Output)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}
		cleanup := func(zapcore.Entry) error { return lj.Close() }
		return zapcore.AddSync(lj), cleanup, nil
	}
}

func fieldsToArgs(fields []zap.Field) []interface{} {
	args := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		args = append(args, f.Key, f.Interface)
	}
	return args
}

// asyncCore decouples the caller from the write syscall; entries are dropped to
// a synchronous write only when the buffer is saturated.
type asyncCore struct {
	zapcore.Core
	bufferSize int
	entries    chan zapcore.Entry
	fields     chan []zapcore.Field
	stopCh     chan struct{}
	wg         *sync.WaitGroup
	initOnce   sync.Once
}

func (c *asyncCore) init() {
	c.initOnce.Do(func() {
		c.entries = make(chan zapcore.Entry, c.bufferSize)
		c.fields = make(chan []zapcore.Field, c.bufferSize)
		c.wg.Add(1)
		go c.process()
	})
}

func (c *asyncCore) process() {
	defer c.wg.Done()
	for {
		select {
		case entry := <-c.entries:
			fields := <-c.fields
			if ce := c.Core.Check(entry, nil); ce != nil {
				ce.Write(fields...)
			}
		case <-c.stopCh:
			for {
				select {
				case entry := <-c.entries:
					fields := <-c.fields
					if ce := c.Core.Check(entry, nil); ce != nil {
						ce.Write(fields...)
					}
				default:
					return
				}
			}
		}
	}
}

func (c *asyncCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	c.init()
	select {
	case c.entries <- entry:
		c.fields <- fields
		return nil
	default:
		return c.Core.Write(entry, fields)
	}
}

func (c *asyncCore) Sync() error {
	for {
		select {
		case entry := <-c.entries:
			fields := <-c.fields
			if ce := c.Core.Check(entry, nil); ce != nil {
				ce.Write(fields...)
			}
		default:
			return c.Core.Sync()
		}
	}
}
