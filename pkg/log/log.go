// Copyright 2026 The Krill Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log wraps zap behind a small structured logging interface. The
// daemon configures a process-wide root logger once at startup; libraries
// obtain loggers from the context or create children with additional
// key/value labels.
package log

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/krillpki/krill/pkg/private/serrors"
)

// Level is the log level type exposed by this package.
type Level = zapcore.Level

// Logger is the structured logging interface used throughout the daemon.
// Context arguments are alternating key/value pairs.
type Logger interface {
	New(ctx ...any) Logger
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	Enabled(lvl Level) bool
}

type logger struct {
	logger *zap.Logger
}

func (l *logger) New(ctx ...any) Logger {
	return &logger{logger: l.logger.With(convertCtx(ctx)...)}
}

func (l *logger) Debug(msg string, ctx ...any) {
	l.logger.Debug(msg, convertCtx(ctx)...)
}

func (l *logger) Info(msg string, ctx ...any) {
	l.logger.Info(msg, convertCtx(ctx)...)
}

func (l *logger) Error(msg string, ctx ...any) {
	l.logger.Error(msg, convertCtx(ctx)...)
}

func (l *logger) Enabled(lvl Level) bool {
	return l.logger.Core().Enabled(lvl)
}

func convertCtx(ctx []any) []zap.Field {
	fields := make([]zap.Field, 0, len(ctx)/2)
	for i := 0; i+1 < len(ctx); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(ctx[i]), ctx[i+1]))
	}
	return fields
}

// Config configures the root logger.
type Config struct {
	// Level is one of "debug", "info", "error". Empty defaults to info.
	Level string
	// Format is "human" or "json". Empty defaults to human.
	Format string
}

var root = zap.NewNop()

// Setup configures the root logger. It must be called before the first use
// of the package-level logging functions and is not safe for concurrent use
// with them.
func Setup(cfg Config) error {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}
	encoding := "console"
	encCfg := zap.NewDevelopmentEncoderConfig()
	switch cfg.Format {
	case "", "human":
	case "json":
		encoding = "json"
		encCfg = zap.NewProductionEncoderConfig()
	default:
		return serrors.New("unsupported log format", "format", cfg.Format)
	}
	zCfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(lvl),
		DisableStacktrace: true,
		Encoding:          encoding,
		EncoderConfig:     encCfg,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}
	l, err := zCfg.Build()
	if err != nil {
		return serrors.Wrap("creating logger", err)
	}
	root = l
	return nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, serrors.New("unsupported log level", "level", level)
	}
}

// Root returns the root logger.
func Root() Logger {
	return &logger{logger: root}
}

// New creates a child of the root logger with the given labels.
func New(ctx ...any) Logger {
	return Root().New(ctx...)
}

// Debug logs at debug level on the root logger.
func Debug(msg string, ctx ...any) {
	Root().Debug(msg, ctx...)
}

// Info logs at info level on the root logger.
func Info(msg string, ctx ...any) {
	Root().Info(msg, ctx...)
}

// Error logs at error level on the root logger.
func Error(msg string, ctx ...any) {
	Root().Error(msg, ctx...)
}

// Flush writes any buffered log entries.
func Flush() {
	_ = root.Sync()
}

// HandlePanic catches a panic in the calling goroutine, logs it and exits
// the process. Deferred as the first statement of every goroutine the
// daemon starts.
func HandlePanic() {
	if msg := recover(); msg != nil {
		root.Error("Panic", zap.Any("msg", msg), zap.Stack("stack"))
		_ = root.Sync()
		os.Exit(255)
	}
}
