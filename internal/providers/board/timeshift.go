package board

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/commentarr/internal/models"
	"github.com/jmylchreest/commentarr/internal/providers/replay"
	"github.com/jmylchreest/commentarr/pkg/httpclient"
)

// TimeshiftProvider replays the board posts recorded during a program
// window. Posts are fetched once; a replay clock then paces delivery.
type TimeshiftProvider struct {
	channel  models.Channel
	api      *boardAPI
	logger   *slog.Logger
	clock    *replay.Clock
	startAt  time.Time
	endAt    time.Time
	comments chan models.Comment

	closeOnce sync.Once
	done      chan struct{}
}

// NewTimeshift creates a timeshift provider for the given program window.
func NewTimeshift(channel models.Channel, client *httpclient.Client, startAt, endAt time.Time, logger *slog.Logger) (*TimeshiftProvider, error) {
	api, err := newBoardAPI(channel, client)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeshiftProvider{
		channel: channel,
		api:     api,
		logger: logger.With(
			slog.String("component", "board-timeshift"),
			slog.String("channel", channel.Name)),
		clock:    replay.NewClock(startAt),
		startAt:  startAt,
		endAt:    endAt,
		comments: make(chan models.Comment),
		done:     make(chan struct{}),
	}, nil
}

// Comments returns the output channel. It is never closed.
func (p *TimeshiftProvider) Comments() <-chan models.Comment {
	return p.comments
}

// Close tears the provider down.
func (p *TimeshiftProvider) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}

// Fetch downloads the posts recorded in the program window and loads the
// replay clock. Repeated calls after a successful load return immediately.
func (p *TimeshiftProvider) Fetch(ctx context.Context) error {
	if p.clock.Loaded() {
		return nil
	}

	posts, err := p.api.postsBetween(ctx, p.startAt, p.endAt)
	if err != nil {
		return fmt.Errorf("fetching recorded posts: %w", err)
	}

	comments := make([]models.Comment, 0, len(posts))
	for _, post := range posts {
		comments = append(comments, post.comment())
	}
	p.clock.Load(comments)

	p.logger.Info("recorded posts loaded", slog.Int("comments", len(comments)))
	return nil
}

// Seek advances the replay clock one step and delivers the comments that
// became due.
func (p *TimeshiftProvider) Seek(ctx context.Context) error {
	for _, comment := range p.clock.Step(time.Now()) {
		select {
		case p.comments <- comment:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return nil
		}
	}
	return nil
}

// Pause suspends replay delivery.
func (p *TimeshiftProvider) Pause() {
	p.clock.Pause()
}

// Resume restarts replay delivery from the current position.
func (p *TimeshiftProvider) Resume() {
	p.clock.Resume()
}

// SetPosition jumps the replay to the given offset in seconds and resumes
// playback.
func (p *TimeshiftProvider) SetPosition(seconds float64) {
	p.clock.SetPosition(seconds)
}
