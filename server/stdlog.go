package main

import (
	"log"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// levelWriter passes lines of the server's *log.Logger to zap at the level
// named by their [LEVEL] prefix. Lines without a known prefix are logged
// at info.
type levelWriter struct {
	logger *zap.Logger
}

func newStdLog(logger *zap.Logger) *log.Logger {
	return log.New(&levelWriter{logger: logger}, "", 0)
}

func (w *levelWriter) Write(p []byte) (int, error) {
	lvl, msg := splitLevel(strings.TrimRight(string(p), "\n"))

	if ce := w.logger.Check(lvl, msg); ce != nil {
		ce.Write()
	}

	return len(p), nil
}

func splitLevel(line string) (zapcore.Level, string) {
	if !strings.HasPrefix(line, "[") {
		return zapcore.InfoLevel, line
	}

	end := strings.IndexByte(line, ']')
	if end < 0 {
		return zapcore.InfoLevel, line
	}

	lvl, err := zapcore.ParseLevel(strings.ToLower(line[1:end]))
	if err != nil {
		return zapcore.InfoLevel, line
	}

	// never exit or panic on behalf of a log line
	if lvl > zapcore.ErrorLevel {
		lvl = zapcore.ErrorLevel
	}

	return lvl, strings.TrimSpace(line[end+1:])
}
