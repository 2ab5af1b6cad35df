package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Logger is the structured logger every core component takes by
// constructor injection rather than reaching for a package-level global.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Named(name string) Logger
}

type sugarLogger struct {
	*zap.SugaredLogger
}

func (s *sugarLogger) Named(name string) Logger {
	return &sugarLogger{s.SugaredLogger.Named(name)}
}

// NewLogger builds a production logger at the given level, writing
// human-readable console output meant to be read by a person at a terminal
// rather than shipped to a log aggregator.
func NewLogger(name string, level Level) (Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level.zapLevel())
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &sugarLogger{z.Named(name).Sugar()}, nil
}

// NewTestLogger returns a Logger that writes through t.Log, so failures
// attribute log lines to the test that produced them.
func NewTestLogger(t testing.TB) Logger {
	z := zaptest.NewLogger(t, zaptest.Level(zap.DebugLevel))
	return &sugarLogger{z.Sugar()}
}
