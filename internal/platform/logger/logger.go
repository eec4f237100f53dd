// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package logger sets up structured JSON logging for the pollq binaries.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel parses a configured log level, case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unsupported log level %q", s)
}

// Setup creates a JSON logger writing to w at the given level and makes it
// the default slog logger. An invalid level falls back to info and is
// reported as an error alongside the usable logger.
func Setup(level string, w io.Writer) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if w == nil {
		w = os.Stdout
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger, err
}

// Adapter lets a slog.Logger serve as the logger of a pollq server.
type Adapter struct {
	logger *slog.Logger
	exit   func(int)
}

// NewAdapter returns an Adapter writing to l.
func NewAdapter(l *slog.Logger) *Adapter {
	return &Adapter{logger: l.With("component", "pollq"), exit: os.Exit}
}

func (a *Adapter) Debug(args ...interface{}) { a.logger.Debug(fmt.Sprint(args...)) }
func (a *Adapter) Info(args ...interface{})  { a.logger.Info(fmt.Sprint(args...)) }
func (a *Adapter) Warn(args ...interface{})  { a.logger.Warn(fmt.Sprint(args...)) }
func (a *Adapter) Error(args ...interface{}) { a.logger.Error(fmt.Sprint(args...)) }

// Fatal logs at error level and exits the process with status 1.
func (a *Adapter) Fatal(args ...interface{}) {
	a.logger.Error(fmt.Sprint(args...), "fatal", true)
	a.exit(1)
}
