package logger

import (
	"go.uber.org/zap"
)

// CronLogger adapts the global zap logger to cron.Logger.
type CronLogger struct {
	log *zap.SugaredLogger
}

func NewCronLogger() *CronLogger {
	return &CronLogger{log: Named("cron").Sugar()}
}

func (l *CronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l *CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
