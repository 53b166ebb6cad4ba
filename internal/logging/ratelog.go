package logging

import (
	"log/slog"
	"sync"
	"time"
)

// RateLimited drops log lines written less than interval after the previous
// one. It guards warnings that can repeat for every request.
type RateLimited struct {
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	logger   *slog.Logger
	dropped  int
}

func NewRateLimited(logger *slog.Logger, interval time.Duration) *RateLimited {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimited{interval: interval, logger: logger}
}

// Warn logs at warn level, reporting how many lines were suppressed since
// the last one that got through.
func (l *RateLimited) Warn(msg string, args ...any) bool {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return false
	}
	l.lastAt = now
	dropped := l.dropped
	l.dropped = 0
	l.mu.Unlock()

	if dropped > 0 {
		args = append(args, "suppressed", dropped)
	}
	l.logger.Warn(msg, args...)
	return true
}
