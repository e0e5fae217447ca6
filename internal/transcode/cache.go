// Package transcode manages a reference-style cache of external transcode
// processes. Concurrent viewers of the same service and quality preset share
// one running process; idle sessions are evicted by a per-session watchdog.
package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"
)

// Key identifies one shared transcode session.
type Key struct {
	Service string
	Preset  string
}

// String returns the key in "service/preset" form.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Service, k.Preset)
}

// Process is a handle to a running external transcoder.
type Process interface {
	// Exited reports whether the process has stopped on its own.
	Exited() bool
	// Terminate stops the process. It is safe to call on an exited process.
	Terminate() error
	// PID returns the operating system process ID.
	PID() int
}

// Starter launches the external transcoder for a service and preset,
// returning the process handle and the path serving its segmented output.
type Starter interface {
	Start(ctx context.Context, service, preset string) (Process, string, error)
}

// CacheConfig holds configuration for the transcode session cache.
type CacheConfig struct {
	// IdleTimeout is how long a session may go unaccessed before its
	// watchdog terminates the process.
	IdleTimeout time.Duration
	// WatchdogInterval is how often each session's watchdog wakes.
	WatchdogInterval time.Duration
}

// DefaultCacheConfig returns sensible defaults for the cache.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		IdleTimeout:      30 * time.Second,
		WatchdogInterval: 30 * time.Second,
	}
}

// Session owns one running transcode process and its output location.
type Session struct {
	ID         string
	Key        Key
	OutputPath string
	StartedAt  time.Time

	process Process

	// mu guards lastAccess independently of the cache's table mutex, so
	// access marking never contends with unrelated session creation.
	mu         sync.Mutex
	lastAccess time.Time
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastAccess)
}

// Cache maps (service, preset) to at most one live transcode session.
type Cache struct {
	config  CacheConfig
	starter Starter
	logger  *slog.Logger

	// mu guards the session table only; it is never held across process
	// start or termination.
	mu       sync.Mutex
	sessions map[Key]*Session

	// group collapses concurrent starts for the same key into one.
	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCache creates a transcode session cache using the given starter.
func NewCache(config CacheConfig, starter Starter, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultCacheConfig().IdleTimeout
	}
	if config.WatchdogInterval <= 0 {
		config.WatchdogInterval = DefaultCacheConfig().WatchdogInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		config:   config,
		starter:  starter,
		logger:   logger.With(slog.String("component", "transcode")),
		sessions: make(map[Key]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Acquire returns the output path for the given service and preset, starting
// a transcode process if no live session exists. Concurrent callers for the
// same key share one process. A start failure is surfaced to the caller and
// not retried by the cache.
func (c *Cache) Acquire(ctx context.Context, service, preset string) (string, error) {
	key := Key{Service: service, Preset: preset}

	c.mu.Lock()
	c.sweepExitedLocked()
	if s, ok := c.sessions[key]; ok {
		c.mu.Unlock()
		s.touch()
		return s.OutputPath, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		// A racing caller may have created the session while we queued.
		c.mu.Lock()
		if s, ok := c.sessions[key]; ok && !s.process.Exited() {
			c.mu.Unlock()
			s.touch()
			return s.OutputPath, nil
		}
		c.mu.Unlock()

		process, outputPath, err := c.starter.Start(ctx, service, preset)
		if err != nil {
			return "", fmt.Errorf("starting transcoder for %s: %w", key, err)
		}

		s := &Session{
			ID:         ulid.Make().String(),
			Key:        key,
			OutputPath: outputPath,
			StartedAt:  time.Now(),
			process:    process,
			lastAccess: time.Now(),
		}

		c.mu.Lock()
		c.sessions[key] = s
		c.mu.Unlock()

		c.wg.Add(1)
		go c.watch(s)

		c.logger.Info("transcode session started",
			slog.String("key", key.String()),
			slog.String("session_id", s.ID),
			slog.Int("pid", process.PID()),
			slog.String("output_path", outputPath))

		return outputPath, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// sweepExitedLocked drops sessions whose process already stopped on its own.
// Callers must hold c.mu.
func (c *Cache) sweepExitedLocked() {
	for key, s := range c.sessions {
		if s.process.Exited() {
			delete(c.sessions, key)
			c.logger.Info("dropped exited transcode session",
				slog.String("key", key.String()),
				slog.String("session_id", s.ID))
		}
	}
}

// watch is the session's idle watchdog: it wakes on a fixed interval and
// terminates the process once the session has been idle beyond the timeout.
// An active session stays alive purely by being touched; nothing ever
// renews it explicitly.
func (c *Cache) watch(s *Session) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if s.process.Exited() {
				c.remove(s)
				return
			}
			if idle := s.idleFor(); idle > c.config.IdleTimeout {
				c.remove(s)
				if err := s.process.Terminate(); err != nil {
					c.logger.Warn("terminating idle transcode process",
						slog.String("key", s.Key.String()),
						slog.String("error", err.Error()))
				}
				c.logger.Info("evicted idle transcode session",
					slog.String("key", s.Key.String()),
					slog.String("session_id", s.ID),
					slog.Duration("idle", idle))
				return
			}
		}
	}
}

// remove drops the session from the table if it is still the current entry
// for its key.
func (c *Cache) remove(s *Session) {
	c.mu.Lock()
	if c.sessions[s.Key] == s {
		delete(c.sessions, s.Key)
	}
	c.mu.Unlock()
}

// Close terminates every session and stops all watchdogs.
func (c *Cache) Close() {
	c.cancel()

	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[Key]*Session)
	c.mu.Unlock()

	for _, s := range sessions {
		if err := s.process.Terminate(); err != nil {
			c.logger.Warn("terminating transcode process on shutdown",
				slog.String("key", s.Key.String()),
				slog.String("error", err.Error()))
		}
	}
	c.wg.Wait()
}

// SessionStats describes one live transcode session.
type SessionStats struct {
	ID         string    `json:"id"`
	Service    string    `json:"service"`
	Preset     string    `json:"preset"`
	OutputPath string    `json:"output_path"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	IdleFor    float64   `json:"idle_seconds"`
}

// CacheStats holds a snapshot of the session table.
type CacheStats struct {
	ActiveSessions int            `json:"active_sessions"`
	Sessions       []SessionStats `json:"sessions,omitempty"`
}

// Stats returns a snapshot of all live sessions. Per-session fields are read
// after releasing the table mutex.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	stats := CacheStats{ActiveSessions: len(sessions)}
	for _, s := range sessions {
		stats.Sessions = append(stats.Sessions, SessionStats{
			ID:         s.ID,
			Service:    s.Key.Service,
			Preset:     s.Key.Preset,
			OutputPath: s.OutputPath,
			PID:        s.process.PID(),
			StartedAt:  s.StartedAt,
			IdleFor:    s.idleFor().Seconds(),
		})
	}
	return stats
}

// SessionCount returns the number of live sessions.
func (c *Cache) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
