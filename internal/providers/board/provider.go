// Package board implements comment providers for anonymous-board APIs: a
// polling client that follows the channel's most recent thread, and a
// window-scoped reader for timeshift playback.
package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/commentarr/internal/models"
	"github.com/jmylchreest/commentarr/pkg/httpclient"
)

// Errors returned by the providers.
var (
	ErrNoBoard        = errors.New("channel has no board URL")
	ErrNoActiveThread = errors.New("board has no active thread")
)

// Config holds configuration for the board providers.
type Config struct {
	// PollInterval is the pause between post polls on the live provider.
	PollInterval time.Duration
	// ThreadRefreshInterval is how often the followed thread is re-picked.
	ThreadRefreshInterval time.Duration
}

// DefaultConfig returns sensible defaults for the providers.
func DefaultConfig() Config {
	return Config{
		PollInterval:          5 * time.Second,
		ThreadRefreshInterval: 5 * time.Minute,
	}
}

// Board API payloads.
type threadList struct {
	Threads []thread `json:"threads"`
}

type thread struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	ResCount  int    `json:"res_count"`
	CreatedAt int64  `json:"created_at"`
}

type postList struct {
	Posts []post `json:"posts"`
}

type post struct {
	No   int    `json:"no"`
	Name string `json:"name"`
	Body string `json:"body"`
	At   int64  `json:"at"`
}

func (p post) comment() models.Comment {
	return models.Comment{
		Text:   p.Body,
		Author: p.Name,
		Time:   time.Unix(p.At, 0),
		Source: models.SourceBoard,
	}
}

// boardAPI wraps the board endpoints shared by both providers.
type boardAPI struct {
	baseURL string
	client  *httpclient.Client
}

func newBoardAPI(channel models.Channel, client *httpclient.Client) (*boardAPI, error) {
	if channel.BoardURL == "" {
		return nil, ErrNoBoard
	}
	if client == nil {
		client = httpclient.NewWithDefaults()
	}
	return &boardAPI{
		baseURL: strings.TrimRight(channel.BoardURL, "/"),
		client:  client,
	}, nil
}

// latestThread returns the newest thread on the board.
func (a *boardAPI) latestThread(ctx context.Context) (thread, error) {
	var list threadList
	if err := a.client.GetJSON(ctx, a.baseURL+"/threads.json", &list); err != nil {
		return thread{}, fmt.Errorf("listing threads: %w", err)
	}
	if len(list.Threads) == 0 {
		return thread{}, ErrNoActiveThread
	}
	newest := list.Threads[0]
	for _, th := range list.Threads[1:] {
		if th.CreatedAt > newest.CreatedAt {
			newest = th
		}
	}
	return newest, nil
}

// postsSince returns the posts of a thread after the given post number.
func (a *boardAPI) postsSince(ctx context.Context, threadID string, sinceNo int) ([]post, error) {
	query := url.Values{}
	query.Set("since_no", strconv.Itoa(sinceNo))
	var list postList
	u := fmt.Sprintf("%s/threads/%s/posts.json?%s", a.baseURL, threadID, query.Encode())
	if err := a.client.GetJSON(ctx, u, &list); err != nil {
		return nil, fmt.Errorf("fetching posts: %w", err)
	}
	return list.Posts, nil
}

// postsBetween returns every post on the board within the time window.
func (a *boardAPI) postsBetween(ctx context.Context, from, to time.Time) ([]post, error) {
	query := url.Values{}
	query.Set("from", strconv.FormatInt(from.Unix(), 10))
	query.Set("to", strconv.FormatInt(to.Unix(), 10))
	var list postList
	u := fmt.Sprintf("%s/posts.json?%s", a.baseURL, query.Encode())
	if err := a.client.GetJSON(ctx, u, &list); err != nil {
		return nil, fmt.Errorf("fetching posts in window: %w", err)
	}
	return list.Posts, nil
}

// LiveProvider polls the channel's board and emits new posts as comments.
type LiveProvider struct {
	config   Config
	channel  models.Channel
	api      *boardAPI
	logger   *slog.Logger
	comments chan models.Comment

	mu          sync.Mutex
	threadID    string
	lastPostNo  int
	pickedAt    time.Time
	seeded      bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewLive creates a live board provider for the given channel.
func NewLive(config Config, channel models.Channel, client *httpclient.Client, logger *slog.Logger) (*LiveProvider, error) {
	api, err := newBoardAPI(channel, client)
	if err != nil {
		return nil, err
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.ThreadRefreshInterval <= 0 {
		config.ThreadRefreshInterval = DefaultConfig().ThreadRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveProvider{
		config:  config,
		channel: channel,
		api:     api,
		logger: logger.With(
			slog.String("component", "board"),
			slog.String("channel", channel.Name)),
		comments: make(chan models.Comment),
		done:     make(chan struct{}),
	}, nil
}

// Comments returns the output channel. It is never closed.
func (p *LiveProvider) Comments() <-chan models.Comment {
	return p.comments
}

// Close tears the provider down, unblocking any running Fetch.
func (p *LiveProvider) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}

// Fetch polls the board until ctx is cancelled or a request fails. The
// first poll of a thread seeds the post cursor without emitting, so a new
// subscription starts from the live edge.
func (p *LiveProvider) Fetch(ctx context.Context) error {
	for {
		if err := p.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p.closed() {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return nil
		case <-time.After(p.config.PollInterval):
		}
	}
}

func (p *LiveProvider) pollOnce(ctx context.Context) error {
	threadID, sinceNo, seeded, err := p.currentThread(ctx)
	if err != nil {
		return err
	}

	posts, err := p.api.postsSince(ctx, threadID, sinceNo)
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		return nil
	}

	last := posts[len(posts)-1].No
	p.mu.Lock()
	if p.threadID == threadID && last > p.lastPostNo {
		p.lastPostNo = last
	}
	p.seeded = true
	p.mu.Unlock()

	if !seeded {
		p.logger.Debug("seeded post cursor",
			slog.String("thread_id", threadID),
			slog.Int("last_post_no", last))
		return nil
	}

	for _, post := range posts {
		select {
		case p.comments <- post.comment():
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return nil
		}
	}
	return nil
}

// currentThread returns the followed thread and cursor, re-picking the
// thread when stale. A thread switch resets the cursor and re-seeds.
func (p *LiveProvider) currentThread(ctx context.Context) (string, int, bool, error) {
	p.mu.Lock()
	threadID := p.threadID
	fresh := time.Since(p.pickedAt) < p.config.ThreadRefreshInterval
	p.mu.Unlock()

	if threadID != "" && fresh {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.threadID, p.lastPostNo, p.seeded, nil
	}

	th, err := p.api.latestThread(ctx)
	if err != nil {
		return "", 0, false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if th.ID != p.threadID {
		p.logger.Info("following thread",
			slog.String("thread_id", th.ID),
			slog.String("title", th.Title))
		p.threadID = th.ID
		p.lastPostNo = 0
		p.seeded = false
	}
	p.pickedAt = time.Now()
	return p.threadID, p.lastPostNo, p.seeded, nil
}

func (p *LiveProvider) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
