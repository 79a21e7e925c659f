package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// AsynqLogger adapts the global zap logger to asynq.Logger.
type AsynqLogger struct {
	log *zap.SugaredLogger
}

// NewAsynqLogger returns an asynq.Logger backed by the "asynq" child logger.
func NewAsynqLogger() *AsynqLogger {
	return &AsynqLogger{log: Named("asynq").Sugar()}
}

func (l *AsynqLogger) Debug(args ...interface{}) { l.log.Debug(args...) }
func (l *AsynqLogger) Info(args ...interface{})  { l.log.Info(args...) }
func (l *AsynqLogger) Warn(args ...interface{})  { l.log.Warn(args...) }
func (l *AsynqLogger) Error(args ...interface{}) { l.log.Error(args...) }

// Fatal logs at error level instead of exiting; asynq calls it on broker
// failures that the worker process can survive.
func (l *AsynqLogger) Fatal(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
