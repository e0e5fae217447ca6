// Package hashtag implements the live comment provider backed by a social
// network's hashtag search API. It prefers the filtered streaming endpoint
// and degrades to rate-aware polling when streaming is unavailable.
package hashtag

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/commentarr/internal/models"
	"github.com/jmylchreest/commentarr/pkg/httpclient"
)

// ErrNoCredentials is returned when the provider is constructed without an
// API bearer token.
var ErrNoCredentials = errors.New("hashtag provider requires a bearer token")

// Rate-limit response headers.
const (
	headerRateRemaining = "x-rate-limit-remaining"
	headerRateReset     = "x-rate-limit-reset"
)

// Config holds configuration for the hashtag provider.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.twitter.com".
	BaseURL string
	// BearerToken authenticates every request.
	BearerToken string
	// StreamFallbackDelay is the pause between a failed streaming attempt
	// and the switch to polling.
	StreamFallbackDelay time.Duration
	// DefaultPollDelay is used when rate-limit headers are absent or the
	// remaining budget is zero.
	DefaultPollDelay time.Duration
	// PageSize is the maximum results requested per poll.
	PageSize int
}

// DefaultConfig returns sensible defaults for the provider.
func DefaultConfig() Config {
	return Config{
		BaseURL:             "https://api.twitter.com",
		StreamFallbackDelay: 5 * time.Second,
		DefaultPollDelay:    15 * time.Second,
		PageSize:            100,
	}
}

// Provider streams hashtag posts for one channel as comments.
type Provider struct {
	config   Config
	channel  models.Channel
	client   *httpclient.Client
	logger   *slog.Logger
	comments chan models.Comment

	mu         sync.Mutex
	lastSeenID string

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a hashtag provider for the given channel.
func New(config Config, channel models.Channel, client *httpclient.Client, logger *slog.Logger) (*Provider, error) {
	if config.BearerToken == "" {
		return nil, ErrNoCredentials
	}
	if config.StreamFallbackDelay <= 0 {
		config.StreamFallbackDelay = DefaultConfig().StreamFallbackDelay
	}
	if config.DefaultPollDelay <= 0 {
		config.DefaultPollDelay = DefaultConfig().DefaultPollDelay
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultConfig().PageSize
	}
	if client == nil {
		client = httpclient.NewWithDefaults()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		config:   config,
		channel:  channel,
		client:   client,
		logger: logger.With(
			slog.String("component", "hashtag"),
			slog.String("channel", channel.Name)),
		comments: make(chan models.Comment),
		done:     make(chan struct{}),
	}, nil
}

// Comments returns the output channel. It is never closed; consumers stop
// reading when they tear the provider down.
func (p *Provider) Comments() <-chan models.Comment {
	return p.comments
}

// Close releases the provider. Any running Fetch returns promptly.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}

// Fetch connects to the upstream and emits comments until ctx is cancelled
// or the connection fails. Streaming is tried first; a streaming failure
// falls back to polling after a short pause.
func (p *Provider) Fetch(ctx context.Context) error {
	if err := p.stream(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.closed() {
			return nil
		}
		p.logger.Warn("streaming unavailable, falling back to polling",
			slog.String("error", err.Error()),
			slog.Duration("delay", p.config.StreamFallbackDelay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return nil
		case <-time.After(p.config.StreamFallbackDelay):
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if p.closed() {
		return nil
	}
	return p.poll(ctx)
}

func (p *Provider) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// streamPost is one entry of the streaming or search response.
type streamPost struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
}

type streamEnvelope struct {
	Data streamPost `json:"data"`
}

type searchResponse struct {
	Data []streamPost `json:"data"`
	Meta struct {
		NewestID    string `json:"newest_id"`
		ResultCount int    `json:"result_count"`
	} `json:"meta"`
}

// stream reads the filtered streaming endpoint line by line. It returns on
// any error; the caller decides whether to fall back to polling.
func (p *Provider) stream(ctx context.Context) error {
	u := fmt.Sprintf("%s/2/tweets/search/stream?tweet.fields=created_at,author_id", p.config.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.config.BearerToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d from streaming endpoint", httpclient.ErrUnexpectedStatus, resp.StatusCode)
	}

	p.logger.Info("streaming connected")
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue // keep-alive
		}
		var envelope streamEnvelope
		if err := json.Unmarshal([]byte(line), &envelope); err != nil {
			p.logger.Debug("skipping undecodable stream line", slog.String("error", err.Error()))
			continue
		}
		if !p.matches(envelope.Data.Text) {
			continue
		}
		if !p.emit(ctx, envelope.Data) {
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return errors.New("stream closed by upstream")
}

// poll repeatedly queries the recent-search endpoint. The first poll only
// seeds the last-seen cursor so a fresh subscription never replays history.
func (p *Provider) poll(ctx context.Context) error {
	for {
		delay, err := p.pollOnce(ctx)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return nil
		case <-time.After(delay):
		}
	}
}

func (p *Provider) pollOnce(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.searchURL(), nil)
	if err != nil {
		return 0, fmt.Errorf("creating search request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.config.BearerToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("searching posts: %w", err)
	}
	defer resp.Body.Close()

	delay := p.pollDelay(resp.Header)

	if resp.StatusCode == http.StatusTooManyRequests {
		p.logger.Warn("search rate limited", slog.Duration("delay", delay))
		return delay, nil
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: %d from search endpoint", httpclient.ErrUnexpectedStatus, resp.StatusCode)
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decoding search response: %w", err)
	}

	p.mu.Lock()
	seeded := p.lastSeenID != ""
	if result.Meta.NewestID != "" {
		p.lastSeenID = result.Meta.NewestID
	} else if !seeded {
		// Empty first result still counts as seeding: nothing older than
		// the subscription should ever be emitted.
		p.lastSeenID = "0"
	}
	p.mu.Unlock()

	if !seeded {
		p.logger.Debug("seeded search cursor",
			slog.String("newest_id", result.Meta.NewestID),
			slog.Int("skipped", len(result.Data)))
		return delay, nil
	}

	// The API returns newest first; emit in chronological order.
	for i := len(result.Data) - 1; i >= 0; i-- {
		if !p.emit(ctx, result.Data[i]) {
			return 0, ctx.Err()
		}
	}
	return delay, nil
}

func (p *Provider) searchURL() string {
	query := url.Values{}
	query.Set("query", strings.Join(p.channel.HashtagKeywords, " OR "))
	query.Set("max_results", strconv.Itoa(p.config.PageSize))
	query.Set("tweet.fields", "created_at,author_id")

	p.mu.Lock()
	if p.lastSeenID != "" && p.lastSeenID != "0" {
		query.Set("since_id", p.lastSeenID)
	}
	p.mu.Unlock()

	return fmt.Sprintf("%s/2/tweets/search/recent?%s", p.config.BaseURL, query.Encode())
}

// pollDelay spreads the remaining request budget evenly across the window.
// An exhausted or unreported budget falls back to the default delay.
func (p *Provider) pollDelay(header http.Header) time.Duration {
	remaining, err := strconv.Atoi(header.Get(headerRateRemaining))
	if err != nil || remaining <= 0 {
		return p.config.DefaultPollDelay
	}
	resetEpoch, err := strconv.ParseInt(header.Get(headerRateReset), 10, 64)
	if err != nil {
		return p.config.DefaultPollDelay
	}
	resetIn := time.Until(time.Unix(resetEpoch, 0))
	if resetIn <= 0 {
		return p.config.DefaultPollDelay
	}
	return resetIn / time.Duration(remaining)
}

// matches reports whether the text contains any tracked keyword.
func (p *Provider) matches(text string) bool {
	for _, keyword := range p.channel.HashtagKeywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

// emit delivers one post as a comment. It returns false when the provider
// is being torn down.
func (p *Provider) emit(ctx context.Context, post streamPost) bool {
	createdAt := post.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	comment := models.Comment{
		Text:   post.Text,
		Author: post.AuthorID,
		Time:   createdAt,
		Source: models.SourceHashtag,
	}
	select {
	case p.comments <- comment:
		return true
	case <-ctx.Done():
		return false
	case <-p.done:
		return false
	}
}
