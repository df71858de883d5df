// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package main

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newZapLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

// zapLoggerFactory hands out pion loggers writing to a zap logger, one
// named child per scope.
type zapLoggerFactory struct {
	base *zap.Logger
}

var _ logging.LoggerFactory = (*zapLoggerFactory)(nil)

func (f *zapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zapLeveledLogger{log: f.base.Named(scope).Sugar()}
}

// zapLeveledLogger maps trace to zap's debug level.
type zapLeveledLogger struct {
	log *zap.SugaredLogger
}

func (l *zapLeveledLogger) Trace(msg string)                          { l.log.Debug(msg) }
func (l *zapLeveledLogger) Tracef(format string, args ...interface{}) { l.log.Debugf(format, args...) }
func (l *zapLeveledLogger) Debug(msg string)                          { l.log.Debug(msg) }
func (l *zapLeveledLogger) Debugf(format string, args ...interface{}) { l.log.Debugf(format, args...) }
func (l *zapLeveledLogger) Info(msg string)                           { l.log.Info(msg) }
func (l *zapLeveledLogger) Infof(format string, args ...interface{})  { l.log.Infof(format, args...) }
func (l *zapLeveledLogger) Warn(msg string)                           { l.log.Warn(msg) }
func (l *zapLeveledLogger) Warnf(format string, args ...interface{})  { l.log.Warnf(format, args...) }
func (l *zapLeveledLogger) Error(msg string)                          { l.log.Error(msg) }
func (l *zapLeveledLogger) Errorf(format string, args ...interface{}) { l.log.Errorf(format, args...) }
