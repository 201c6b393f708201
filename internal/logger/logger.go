// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the process-wide leveled logger used by every
// other package in mongofs. It wraps log/slog with a TRACE level below
// DEBUG and an OFF level above ERROR, optional JSON or text rendering, and
// an optional rotating file sink.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how logs are written. It mirrors the "log"
// stanza a deployment might add alongside the "mongo"/"lock"/"cache"
// stanzas in the JSON config file (see cfg.Config); unlike those, logging
// configuration is intentionally not part of the fixed schema in
// spec.md §6, so sensible defaults apply when it is omitted.
type Config struct {
	// FilePath, when non-empty, directs logs to a rotating file instead of
	// stderr.
	FilePath string
	Severity string // one of the Severity* constants; defaults to INFO.
	Format   string // "text" or "json"; defaults to "text".

	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

type loggerFactory struct {
	file            *lumberjack.Logger
	async           *AsyncLogger
	level           string
	programLevel    *slog.LevelVar
	format          string
	logRotateConfig Config
}

var defaultLoggerFactory = &loggerFactory{
	level:  SeverityInfo,
	format: "text",
}

var defaultLogger = newLoggerForWriter(os.Stderr, "")

func newLoggerForWriter(w io.Writer, prefix string) *slog.Logger {
	v := new(slog.LevelVar)
	setLoggingLevel(defaultLoggerFactory.level, v)
	defaultLoggerFactory.programLevel = v
	return slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, v, prefix))
}

// createJsonOrTextHandler builds the slog.Handler matching
// defaultLoggerFactory.format, rendering each record as a single line
// prefixed with "time=... severity=... message=..." (text) or a flat JSON
// object with a nested {"seconds","nanos"} timestamp (json). Both shapes
// deliberately avoid slog's default key names so that the severity label
// matches the TRACE/DEBUG/INFO/WARNING/ERROR vocabulary used elsewhere.
func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, v *slog.LevelVar, prefix string) slog.Handler {
	return &lineHandler{w: w, level: v, json: f.format == "json", prefix: prefix}
}

// lineHandler is a minimal slog.Handler; mongofs does not need slog's
// attribute-grouping machinery, only leveled line output.
type lineHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	json   bool
	prefix string
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *lineHandler) Handle(_ context.Context, r slog.Record) error {
	sev := levelString(r.Level)
	msg := h.prefix + r.Message
	var line string
	if h.json {
		line = fmt.Sprintf(
			"{\"timestamp\":{\"seconds\":%d,\"nanos\":%d},\"severity\":%q,\"message\":%q}\n",
			r.Time.Unix(), r.Time.Nanosecond(), sev, msg)
	} else {
		line = fmt.Sprintf("time=%q severity=%s message=%q\n", r.Time.Format("2006/01/02 15:04:05.000000"), sev, msg)
	}
	_, err := io.WriteString(h.w, line)
	return err
}

func (h *lineHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *lineHandler) WithGroup(string) slog.Handler      { return h }

// InitLogFile switches the default logger to a rotating file sink described
// by cfg, replacing any previously configured sink. Pass a zero Config to
// fall back to stderr.
func InitLogFile(cfg Config) error {
	if cfg.Severity != "" {
		defaultLoggerFactory.level = cfg.Severity
	}
	if cfg.Format != "" {
		defaultLoggerFactory.format = cfg.Format
	}
	defaultLoggerFactory.logRotateConfig = cfg

	if cfg.FilePath == "" {
		defaultLogger = newLoggerForWriter(os.Stderr, "")
		return nil
	}

	lj := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxFileSizeMB,
		MaxBackups: cfg.BackupFileCount,
		Compress:   cfg.Compress,
	}
	defaultLoggerFactory.file = lj

	async := NewAsyncLogger(lj, 4096)
	defaultLoggerFactory.async = async
	defaultLogger = newLoggerForWriter(async, "")
	return nil
}

// Close flushes and releases the file sink, if one is configured.
func Close() error {
	if defaultLoggerFactory.async != nil {
		return defaultLoggerFactory.async.Close()
	}
	return nil
}

func Tracef(format string, args ...any) { defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, args...)) }
func Debugf(format string, args ...any) { defaultLogger.Debug(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)  { defaultLogger.Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { defaultLogger.Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { defaultLogger.Error(fmt.Sprintf(format, args...)) }
