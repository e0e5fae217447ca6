package comment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/commentarr/internal/models"
)

// ControlAction is a timeshift playback control verb.
type ControlAction string

const (
	// ControlReady starts the playback clock once the viewer is ready.
	ControlReady ControlAction = "ready"
	// ControlResume resumes a paused playback clock.
	ControlResume ControlAction = "resume"
	// ControlPause suspends the playback clock.
	ControlPause ControlAction = "pause"
	// ControlSync moves the replay cursor to Seconds, then resumes.
	ControlSync ControlAction = "sync"
)

// Control is one playback control command. Commands are applied strictly in
// arrival order; a command's effect on every provider completes before the
// next command is consumed.
type Control struct {
	Action  ControlAction `json:"action"`
	Seconds float64       `json:"seconds,omitempty"`
}

// SessionConfig holds configuration for timeshift sessions.
type SessionConfig struct {
	// RetryBackoff is the fixed delay before retrying a failed fetch or
	// seek step.
	RetryBackoff time.Duration
	// DriveInterval is the pause between successful seek steps; it sets the
	// granularity of the playback clock.
	DriveInterval time.Duration
	// ControlBuffer is the depth of the pending-control queue.
	ControlBuffer int
	// OutputBuffer is the depth of the session's output stream.
	OutputBuffer int
}

// DefaultSessionConfig returns sensible defaults for timeshift sessions.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		RetryBackoff:  5 * time.Second,
		DriveInterval: time.Second,
		ControlBuffer: 16,
		OutputBuffer:  64,
	}
}

// sessionProvider pairs a timeshift provider with the source it serves.
type sessionProvider struct {
	source   models.CommentSource
	provider TimeshiftProvider
}

// Session orchestrates timeshift playback for one viewer connection. Unlike
// live subscriptions, sessions are never shared: each viewer gets its own
// provider set, and the session is destroyed when the connection ends.
type Session struct {
	// ID identifies the session for control commands.
	ID string
	// Channel is the tuning target being replayed.
	Channel models.Channel
	// StartAt and EndAt bound the recorded time range.
	StartAt time.Time
	EndAt   time.Time
	// OpenedAt is when the session was created.
	OpenedAt time.Time

	config    SessionConfig
	logger    *slog.Logger
	providers []sessionProvider

	out      chan models.Comment
	controls chan Control
	done     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// OpenTimeshift creates a timeshift session for the channel: one provider
// per constructible source, each running independent fetch, seek, and
// delivery duties, plus one control duty applying commands to all providers
// in lockstep. The session is torn down when ctx ends or Close is called.
func OpenTimeshift(ctx context.Context, config SessionConfig, factory TimeshiftFactory, channel models.Channel, sources []models.CommentSource, startAt, endAt time.Time, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultSessionConfig().RetryBackoff
	}
	if config.DriveInterval <= 0 {
		config.DriveInterval = DefaultSessionConfig().DriveInterval
	}
	if config.ControlBuffer <= 0 {
		config.ControlBuffer = DefaultSessionConfig().ControlBuffer
	}
	if config.OutputBuffer <= 0 {
		config.OutputBuffer = DefaultSessionConfig().OutputBuffer
	}

	sessionCtx, sessionCancel := context.WithCancel(context.Background())

	s := &Session{
		ID:       ulid.Make().String(),
		Channel:  channel,
		StartAt:  startAt,
		EndAt:    endAt,
		OpenedAt: time.Now(),
		config:   config,
		out:      make(chan models.Comment, config.OutputBuffer),
		controls: make(chan Control, config.ControlBuffer),
		done:     make(chan struct{}),
		ctx:      sessionCtx,
		cancel:   sessionCancel,
	}
	s.logger = logger.With(
		slog.String("component", "timeshift"),
		slog.String("session_id", s.ID),
		slog.String("channel", channel.Name))

	for _, source := range sources {
		if !channel.SupportsSource(source) {
			continue
		}
		provider, err := factory(channel, source, startAt, endAt)
		if errors.Is(err, ErrSourceNotConfigured) {
			s.logger.Debug("skipping unconfigured source",
				slog.String("source", source.String()))
			continue
		}
		if err != nil {
			s.teardown()
			return nil, fmt.Errorf("constructing %s timeshift provider: %w", source, err)
		}
		s.providers = append(s.providers, sessionProvider{source: source, provider: provider})
	}

	if len(s.providers) == 0 {
		s.teardown()
		return nil, ErrNoProviders
	}

	for _, sp := range s.providers {
		s.wg.Add(3)
		go s.runFetch(sp)
		go s.runSeek(sp)
		go s.runDelivery(sp)
	}
	s.wg.Add(1)
	go s.runControl()

	// Tear down when the viewer's connection ends.
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	s.logger.Info("timeshift session opened",
		slog.Time("start_at", startAt),
		slog.Time("end_at", endAt),
		slog.Int("provider_count", len(s.providers)))

	return s, nil
}

// Comments returns the session's single output stream. Comments from each
// provider arrive in that provider's emission order; no cross-provider
// ordering is guaranteed.
func (s *Session) Comments() <-chan models.Comment {
	return s.out
}

// Apply enqueues a playback control command. Commands are consumed one at a
// time in arrival order.
func (s *Session) Apply(ctx context.Context, cmd Control) error {
	select {
	case s.controls <- cmd:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the session down: all duties are cancelled, then every
// provider is closed. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.teardown()
		close(s.done)
		close(s.out)
		s.logger.Info("timeshift session closed")
	})
}

// teardown closes every provider. Provider Close is idempotent and must not
// fail the teardown; errors are only logged.
func (s *Session) teardown() {
	s.cancel()
	for _, sp := range s.providers {
		if err := sp.provider.Close(); err != nil {
			s.logger.Warn("closing timeshift provider",
				slog.String("source", sp.source.String()),
				slog.String("error", err.Error()))
		}
	}
}

// runFetch performs the one-shot historical pull, retrying on failure until
// it succeeds once, then terminates permanently.
func (s *Session) runFetch(sp sessionProvider) {
	defer s.wg.Done()
	logger := s.logger.With(slog.String("source", sp.source.String()))

	for {
		err := sp.provider.Fetch(s.ctx)
		if err == nil {
			logger.Debug("timeshift fetch complete")
			return
		}
		if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}

		logger.Warn("timeshift fetch failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("backoff", s.config.RetryBackoff))

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.config.RetryBackoff):
		}
	}
}

// runSeek drives the provider's playback clock. It never terminates on its
// own: failures back off and retry, and only session cancellation stops it.
func (s *Session) runSeek(sp sessionProvider) {
	defer s.wg.Done()
	logger := s.logger.With(slog.String("source", sp.source.String()))

	for {
		err := sp.provider.Seek(s.ctx)
		if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}

		delay := s.config.DriveInterval
		if err != nil {
			logger.Warn("timeshift seek failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", s.config.RetryBackoff))
			delay = s.config.RetryBackoff
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runDelivery forwards the provider's output to the session's single
// outbound stream in the order received.
func (s *Session) runDelivery(sp sessionProvider) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case c, ok := <-sp.provider.Comments():
			if !ok {
				return
			}
			select {
			case s.out <- c:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// runControl consumes control commands sequentially and applies each to
// every provider concurrently, waiting for all providers to finish before
// consuming the next command.
func (s *Session) runControl() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case cmd := <-s.controls:
			g := new(errgroup.Group)
			for _, sp := range s.providers {
				sp := sp
				g.Go(func() error {
					return applyControl(sp.provider, cmd)
				})
			}
			if err := g.Wait(); err != nil {
				s.logger.Warn("applying control command",
					slog.String("action", string(cmd.Action)),
					slog.String("error", err.Error()))
				continue
			}
			s.logger.Debug("control command applied",
				slog.String("action", string(cmd.Action)),
				slog.Float64("seconds", cmd.Seconds))
		}
	}
}

func applyControl(p TimeshiftProvider, cmd Control) error {
	switch cmd.Action {
	case ControlReady, ControlResume:
		p.Resume()
	case ControlPause:
		p.Pause()
	case ControlSync:
		p.SetPosition(cmd.Seconds)
	default:
		return fmt.Errorf("unknown control action %q", cmd.Action)
	}
	return nil
}

// SessionStats describes one open timeshift session.
type SessionStats struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Sources   []string  `json:"sources"`
	StartAt   time.Time `json:"start_at"`
	EndAt     time.Time `json:"end_at"`
	OpenedAt  time.Time `json:"opened_at"`
	Providers int       `json:"providers"`
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() SessionStats {
	sources := make([]string, 0, len(s.providers))
	for _, sp := range s.providers {
		sources = append(sources, sp.source.String())
	}
	return SessionStats{
		ID:        s.ID,
		Channel:   s.Channel.Name,
		Sources:   sources,
		StartAt:   s.StartAt,
		EndAt:     s.EndAt,
		OpenedAt:  s.OpenedAt,
		Providers: len(s.providers),
	}
}
