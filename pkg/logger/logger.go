// Package logger provides channel-tagged leveled logging for clawmesh.
//
// Every subsystem logs under a short channel name ("broker", "session",
// "gateway", ...) so a single stream stays greppable per concern.
package logger

import (
	"log/slog"
	"os"
	"sync/atomic"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var (
	level atomic.Int64

	leveler = new(slog.LevelVar)

	// log is swapped atomically so SetOutput is safe against concurrent
	// logging from other goroutines.
	log atomic.Pointer[slog.Logger]
)

func init() {
	log.Store(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: leveler})))
	SetLevel(INFO)
}

// SetLevel sets the minimum level emitted by all channels.
func SetLevel(l Level) {
	level.Store(int64(l))
	switch l {
	case DEBUG:
		leveler.Set(slog.LevelDebug)
	case INFO:
		leveler.Set(slog.LevelInfo)
	case WARN:
		leveler.Set(slog.LevelWarn)
	case ERROR:
		leveler.Set(slog.LevelError)
	}
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	return Level(level.Load())
}

// SetOutput replaces the backing handler, mainly for tests. Safe to call
// while other goroutines log.
func SetOutput(h slog.Handler) {
	log.Store(slog.New(h))
}

func DebugC(channel, msg string) { log.Load().Debug(msg, "channel", channel) }
func InfoC(channel, msg string)  { log.Load().Info(msg, "channel", channel) }
func WarnC(channel, msg string)  { log.Load().Warn(msg, "channel", channel) }
func ErrorC(channel, msg string) { log.Load().Error(msg, "channel", channel) }

func DebugCF(channel, msg string, fields map[string]any) {
	log.Load().Debug(msg, attrs(channel, fields)...)
}

func InfoCF(channel, msg string, fields map[string]any) {
	log.Load().Info(msg, attrs(channel, fields)...)
}

func WarnCF(channel, msg string, fields map[string]any) {
	log.Load().Warn(msg, attrs(channel, fields)...)
}

func ErrorCF(channel, msg string, fields map[string]any) {
	log.Load().Error(msg, attrs(channel, fields)...)
}

func attrs(channel string, fields map[string]any) []any {
	out := make([]any, 0, 2+2*len(fields))
	out = append(out, "channel", channel)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}
