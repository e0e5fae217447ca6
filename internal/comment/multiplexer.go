package comment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/commentarr/internal/models"
)

// ProviderKey identifies one shared live provider instance.
type ProviderKey struct {
	Channel string
	Source  models.CommentSource
}

// String returns the key in "channel/source" form for logging.
func (k ProviderKey) String() string {
	return fmt.Sprintf("%s/%s", k.Channel, k.Source)
}

// MultiplexerConfig holds configuration for the live multiplexer.
type MultiplexerConfig struct {
	// RetryBackoff is the fixed delay between supervisor fetch retries.
	RetryBackoff time.Duration
	// SubscriberBuffer is the per-subscriber output buffer depth. Slow
	// subscribers drop comments rather than blocking the provider.
	SubscriberBuffer int
}

// DefaultMultiplexerConfig returns sensible defaults for the multiplexer.
func DefaultMultiplexerConfig() MultiplexerConfig {
	return MultiplexerConfig{
		RetryBackoff:     5 * time.Second,
		SubscriberBuffer: 1,
	}
}

// liveEntry owns one shared live provider: its subscriber registry and the
// handle to its current supervisor run. It lives exactly as long as its
// registry is non-empty.
type liveEntry struct {
	key      ProviderKey
	provider LiveProvider
	ctx      context.Context
	cancel   context.CancelFunc

	// mu guards the registry; broadcast holds it across the (non-blocking)
	// sends so a departing subscriber's channel is never closed mid-send.
	mu          sync.RWMutex
	subscribers map[uuid.UUID]*Subscription

	// supervising is guarded by the multiplexer's table mutex. It is true
	// while a supervisor goroutine is running for this entry.
	supervising bool
}

func (e *liveEntry) broadcast(c models.Comment) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, sub := range e.subscribers {
		sub.offer(c)
	}
}

func (e *liveEntry) subscriberCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers)
}

// Multiplexer arbitrates creation, reuse, and destruction of shared live
// providers as viewers attach and detach, and fans each fetched comment out
// to every attached viewer. It must be explicitly constructed and owned by
// whichever component composes the service; there is no package-level state.
type Multiplexer struct {
	config  MultiplexerConfig
	factory LiveFactory
	logger  *slog.Logger

	// mu guards the provider table and every check-and-act sequence over it:
	// entry creation, supervisor restart checks, and emptiness teardown are
	// all decided while holding it, so a last-detach racing a fresh attach
	// can neither leak a supervisor nor drop the new subscription.
	mu      sync.Mutex
	entries map[ProviderKey]*liveEntry
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMultiplexer creates a live subscription multiplexer using the given
// provider factory.
func NewMultiplexer(config MultiplexerConfig, factory LiveFactory, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultMultiplexerConfig().RetryBackoff
	}
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = DefaultMultiplexerConfig().SubscriberBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Multiplexer{
		config:  config,
		factory: factory,
		logger:  logger.With(slog.String("component", "multiplexer")),
		entries: make(map[ProviderKey]*liveEntry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SubscribeLive attaches a new subscriber to the given channel for the given
// sources and returns its subscription. Sources the channel is not
// configured for are skipped silently. The subscription is detached when ctx
// ends or Close is called on it, whichever comes first.
func (m *Multiplexer) SubscribeLive(ctx context.Context, channel models.Channel, sources []models.CommentSource) (*Subscription, error) {
	sub := &Subscription{
		ID:   uuid.New(),
		out:  make(chan models.Comment, m.config.SubscriberBuffer),
		done: make(chan struct{}),
		mux:  m,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrSubscriptionClosed
	}

	for _, source := range sources {
		if !channel.SupportsSource(source) {
			continue
		}

		key := ProviderKey{Channel: channel.Name, Source: source}
		entry, ok := m.entries[key]
		if !ok {
			provider, err := m.factory(channel, source)
			if errors.Is(err, ErrSourceNotConfigured) {
				m.logger.Debug("skipping unconfigured source",
					slog.String("channel", channel.Name),
					slog.String("source", source.String()))
				continue
			}
			if err != nil {
				closers := m.detachLocked(sub)
				m.mu.Unlock()
				m.closeEntries(closers)
				sub.finish()
				return nil, fmt.Errorf("constructing %s provider: %w", key, err)
			}
			entry = &liveEntry{
				key:         key,
				provider:    provider,
				subscribers: make(map[uuid.UUID]*Subscription),
			}
			m.entries[key] = entry
			m.startPump(entry)
		}

		m.ensureSupervisorLocked(entry)

		entry.mu.Lock()
		entry.subscribers[sub.ID] = sub
		entry.mu.Unlock()
		sub.entries = append(sub.entries, entry)
	}
	m.mu.Unlock()

	if len(sub.entries) == 0 {
		sub.finish()
		return nil, ErrNoProviders
	}

	m.logger.Info("subscriber attached",
		slog.String("subscriber_id", sub.ID.String()),
		slog.String("channel", channel.Name),
		slog.Int("source_count", len(sub.entries)))

	// Detach when the consumer's context ends.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		case <-m.ctx.Done():
		}
	}()

	return sub, nil
}

// ensureSupervisorLocked starts a supervisor for the entry if none is
// running. Callers must hold m.mu.
func (m *Multiplexer) ensureSupervisorLocked(entry *liveEntry) {
	if entry.supervising {
		return
	}
	entry.supervising = true

	if entry.cancel == nil {
		entryCtx, entryCancel := context.WithCancel(m.ctx)
		entry.cancel = entryCancel
		entry.ctx = entryCtx
	}

	m.wg.Add(1)
	go m.supervise(entry)
}

// startPump starts the fan-out duty copying the provider's output to every
// registered subscriber. Callers must hold m.mu.
func (m *Multiplexer) startPump(entry *liveEntry) {
	if entry.cancel == nil {
		entryCtx, entryCancel := context.WithCancel(m.ctx)
		entry.cancel = entryCancel
		entry.ctx = entryCtx
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-entry.ctx.Done():
				return
			case c, ok := <-entry.provider.Comments():
				if !ok {
					return
				}
				entry.broadcast(c)
			}
		}
	}()
}

// detach removes the subscription from every registry it joined. Entries
// whose registry becomes empty are torn down: supervisor cancelled, provider
// closed, entry dropped from the table.
func (m *Multiplexer) detach(sub *Subscription) {
	m.mu.Lock()
	closers := m.detachLocked(sub)
	m.mu.Unlock()

	m.closeEntries(closers)
	sub.finish()
}

// closeEntries closes torn-down providers. Provider close is I/O; callers
// must not hold the table mutex.
func (m *Multiplexer) closeEntries(entries []*liveEntry) {
	for _, entry := range entries {
		if err := entry.provider.Close(); err != nil {
			m.logger.Warn("closing provider",
				slog.String("key", entry.key.String()),
				slog.String("error", err.Error()))
		}
		m.logger.Info("provider torn down",
			slog.String("key", entry.key.String()))
	}
}

func (m *Multiplexer) detachLocked(sub *Subscription) []*liveEntry {
	var closers []*liveEntry
	for _, entry := range sub.entries {
		entry.mu.Lock()
		delete(entry.subscribers, sub.ID)
		empty := len(entry.subscribers) == 0
		entry.mu.Unlock()

		if empty {
			entry.cancel()
			if m.entries[entry.key] == entry {
				delete(m.entries, entry.key)
			}
			closers = append(closers, entry)
		}
	}
	sub.entries = nil
	return closers
}

// Close shuts down the multiplexer, detaching all subscribers and closing
// every provider.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := make([]*liveEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	m.entries = make(map[ProviderKey]*liveEntry)
	m.mu.Unlock()

	m.cancel()
	for _, entry := range entries {
		if err := entry.provider.Close(); err != nil {
			m.logger.Warn("closing provider",
				slog.String("key", entry.key.String()),
				slog.String("error", err.Error()))
		}
	}
	m.wg.Wait()
}

// EntryStats describes one shared live provider entry.
type EntryStats struct {
	Channel     string `json:"channel"`
	Source      string `json:"source"`
	Subscribers int    `json:"subscribers"`
	Supervising bool   `json:"supervising"`
}

// MultiplexerStats holds a snapshot of the live provider table.
type MultiplexerStats struct {
	Entries          []EntryStats `json:"entries,omitempty"`
	TotalSubscribers int          `json:"total_subscribers"`
}

// Stats returns a snapshot of the provider table. Registry sizes are read
// per-entry after releasing the table mutex, mirroring the narrow critical
// section discipline of the rest of the multiplexer.
func (m *Multiplexer) Stats() MultiplexerStats {
	type snapshot struct {
		entry       *liveEntry
		supervising bool
	}

	m.mu.Lock()
	entries := make([]snapshot, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, snapshot{entry: entry, supervising: entry.supervising})
	}
	m.mu.Unlock()

	stats := MultiplexerStats{}
	for _, s := range entries {
		n := s.entry.subscriberCount()
		stats.Entries = append(stats.Entries, EntryStats{
			Channel:     s.entry.key.Channel,
			Source:      s.entry.key.Source.String(),
			Subscribers: n,
			Supervising: s.supervising,
		})
		stats.TotalSubscribers += n
	}
	return stats
}

// EntryCount returns the number of live provider entries in the table.
func (m *Multiplexer) EntryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
