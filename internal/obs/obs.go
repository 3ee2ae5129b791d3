// Package obs wires up the structured logger shared across every component
// of the indexing pipeline.
package obs

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// rateLimit bounds how often a (logger, key) pair may emit a log line, so a
// flaky search cluster or source database cannot flood output. Mirrors the
// rate-limited logger the teacher builds on top of zap.
const rateLimit = time.Minute

var (
	base *zap.Logger

	mu       sync.Mutex
	lastSeen = map[string]time.Time{}
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	base = l
}

// SetLogger overrides the process-wide logger for subsequent Named calls.
// Loggers already returned by Named keep the logger they were built from.
func SetLogger(l *zap.Logger) {
	base = l
}

// Named returns a sugared logger scoped to the given component name, e.g.
// obs.Named("dispatch").
func Named(name string) *zap.SugaredLogger {
	return base.Named(name).Sugar()
}

// RateLimited reports whether an event tagged with key may be logged now,
// and records that it was. Call sites that could otherwise log once per
// chunk (bulk rejects, transient source retries) gate on this first.
func RateLimited(key string) bool {
	mu.Lock()
	defer mu.Unlock()
	now := time.Now()
	if last, ok := lastSeen[key]; ok && now.Sub(last) < rateLimit {
		return false
	}
	lastSeen[key] = now
	return true
}
