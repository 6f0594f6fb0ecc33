// Package volumelog wires one structured logger per mounted volume, shared
// by internal/bcache's hit/miss trace and internal/filesys's operation
// trace. One shared logger carries a handful of named fields per event,
// via log/slog rather than hand-rolled JSON line structs.
package volumelog

import (
	"io"
	"log/slog"
	"os"
)

// Level controls the minimum severity a volume logger emits.
type Level = slog.Level

// New builds a slog.Logger for one mounted volume, tagged with its image
// path so that log lines from several concurrently-mounted volumes (tests
// routinely mount more than one) can be told apart without per-volume
// logger plumbing leaking into every package's signatures.
func New(volumePath string, level Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("volume", volumePath)
}

// Discard returns a logger that drops everything, for tests and library
// callers that don't want log output by default.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// CacheEvent logs one buffer-cache acquire outcome at debug level: sector
// number, whether it was a hit, and whether it was a sequential hit (the
// hits counted by the cache's SequentialHitCount).
func CacheEvent(log *slog.Logger, sector uint32, hit, sequential bool) {
	log.Debug("bcache access", "sector", sector, "hit", hit, "sequential", sequential)
}

// OpEvent logs one filesystem-facade operation outcome: verb, target
// path, and error if any.
func OpEvent(log *slog.Logger, op, path string, err error) {
	if err != nil {
		log.Warn("filesys op failed", "op", op, "path", path, "err", err)
		return
	}
	log.Info("filesys op", "op", op, "path", path)
}
