package comment

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// supervise keeps the entry's fetch loop alive: it invokes the provider's
// long-running fetch, logs any failure other than cancellation, waits the
// fixed backoff, and retries indefinitely until the entry is cancelled.
// A single failed fetch attempt is never fatal; only registry emptiness
// (entry cancellation) terminates the loop.
func (m *Multiplexer) supervise(entry *liveEntry) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		entry.supervising = false
		m.mu.Unlock()
	}()

	logger := m.logger.With(slog.String("key", entry.key.String()))
	logger.Debug("supervisor started")

	for {
		err := entry.provider.Fetch(entry.ctx)

		if entry.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			logger.Debug("supervisor cancelled")
			return
		}

		if err != nil {
			logger.Warn("provider fetch failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", m.config.RetryBackoff))
		} else {
			logger.Debug("provider fetch returned, restarting",
				slog.Duration("backoff", m.config.RetryBackoff))
		}

		select {
		case <-entry.ctx.Done():
			logger.Debug("supervisor cancelled")
			return
		case <-time.After(m.config.RetryBackoff):
		}
	}
}
