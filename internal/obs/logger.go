// Package obs builds the process-wide structured logger and the
// self-retained audit log sink described in spec.md §1 ("the logger's
// persistence transport" collaborator) and §5 ("Log persister, 5s
// cadence").
package obs

import (
	"log/slog"
	"os"
)

// Env selects the logging backend. Mirrors the teacher's own direct
// use of log/slog in internal/engine rather than a third-party
// logging framework.
type Env string

const (
	EnvProd Env = "prod"
	EnvDev  Env = "dev"
)

// NewHandler builds the stderr-writing handler for env. Dev uses a
// human-readable text handler; anything else uses JSON, matching how
// the service is actually deployed.
func NewHandler(env Env) slog.Handler {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if env == EnvDev {
		return slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.NewJSONHandler(os.Stderr, opts)
}

// NewLogger builds the root logger writing to stderr only.
func NewLogger(env Env) *slog.Logger {
	return slog.New(NewHandler(env))
}

// NewLoggerWithSink builds the root logger writing to stderr and to
// sink (the self-retained audit log's DBHandler) at once, so every
// record logged through it is both visible on the console and queued
// for the get_logs endpoint.
func NewLoggerWithSink(env Env, sink slog.Handler) *slog.Logger {
	return slog.New(NewFanoutHandler(NewHandler(env), sink))
}
