package nicolive

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jmylchreest/commentarr/internal/models"
	"github.com/jmylchreest/commentarr/internal/providers/replay"
	"github.com/jmylchreest/commentarr/pkg/httpclient"
)

// kakologResponse is the past-log API response: a flat packet of chat
// entries covering the requested window.
type kakologResponse struct {
	Packet []struct {
		Chat chatMessage `json:"chat"`
	} `json:"packet"`
	Error string `json:"error,omitempty"`
}

// TimeshiftProvider replays recorded community comments for a program
// window. The log is fetched once; a replay clock then paces delivery.
type TimeshiftProvider struct {
	config   Config
	channel  models.Channel
	client   *httpclient.Client
	logger   *slog.Logger
	clock    *replay.Clock
	startAt  time.Time
	endAt    time.Time
	comments chan models.Comment

	closeOnce sync.Once
	done      chan struct{}
}

// NewTimeshift creates a timeshift provider for the given program window.
func NewTimeshift(config Config, channel models.Channel, client *httpclient.Client, startAt, endAt time.Time, logger *slog.Logger) (*TimeshiftProvider, error) {
	if channel.JikkyoID == "" {
		return nil, ErrNoCommunity
	}
	if config.KakologURLTemplate == "" {
		config.KakologURLTemplate = DefaultConfig().KakologURLTemplate
	}
	if client == nil {
		client = httpclient.NewWithDefaults()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeshiftProvider{
		config:  config,
		channel: channel,
		client:  client,
		logger: logger.With(
			slog.String("component", "nicolive-timeshift"),
			slog.String("channel", channel.Name),
			slog.String("jikkyo_id", channel.JikkyoID)),
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

// Fetch downloads the past log for the program window and loads the replay
// clock. It succeeds at most once; repeated calls after a successful load
// return immediately.
func (p *TimeshiftProvider) Fetch(ctx context.Context) error {
	if p.clock.Loaded() {
		return nil
	}

	query := url.Values{}
	query.Set("starttime", strconv.FormatInt(p.startAt.Unix(), 10))
	query.Set("endtime", strconv.FormatInt(p.endAt.Unix(), 10))
	query.Set("format", "json")
	u := fmt.Sprintf(p.config.KakologURLTemplate, p.channel.JikkyoID) + "?" + query.Encode()

	var result kakologResponse
	if err := p.client.GetJSON(ctx, u, &result); err != nil {
		return fmt.Errorf("fetching past log: %w", err)
	}
	if result.Error != "" {
		return fmt.Errorf("past log error: %s", result.Error)
	}

	comments := make([]models.Comment, 0, len(result.Packet))
	for _, entry := range result.Packet {
		comments = append(comments, entry.Chat.comment())
	}
	p.clock.Load(comments)

	p.logger.Info("past log loaded", slog.Int("comments", len(comments)))
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
