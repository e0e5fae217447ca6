// Package nicolive implements comment providers for Niconico-style live
// comment servers: a websocket client for the live stream and a past-log
// (kakolog) client for timeshift playback.
package nicolive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/jmylchreest/commentarr/internal/models"
)

// ErrNoCommunity is returned when the channel has no live comment community.
var ErrNoCommunity = errors.New("channel has no jikkyo community")

// Config holds configuration for the nicolive providers.
type Config struct {
	// WatchURLTemplate expands the community ID into the comment websocket
	// URL, e.g. "wss://jikkyo.example.com/api/v1/channels/%s/ws/comment".
	WatchURLTemplate string
	// KakologURLTemplate expands the community ID into the past-log HTTP
	// endpoint; start/end epoch seconds are appended as query parameters.
	KakologURLTemplate string
	// Origin is the websocket handshake origin.
	Origin string
	// HistoryCount is how many back comments the live socket requests on
	// join. Negative per the wire convention.
	HistoryCount int
}

// DefaultConfig returns sensible defaults for the providers.
func DefaultConfig() Config {
	return Config{
		WatchURLTemplate:   "wss://nx-jikkyo.tsukumijima.net/api/v1/channels/%s/ws/comment",
		KakologURLTemplate: "https://jikkyo.tsukumijima.net/api/kakolog/%s",
		Origin:             "https://commentarr.local",
		HistoryCount:       -10,
	}
}

// Wire frames of the comment socket. One JSON object per frame; exactly one
// field is set.
type threadRequest struct {
	Thread struct {
		Thread  string `json:"thread"`
		Version string `json:"version"`
		ResFrom int    `json:"res_from"`
	} `json:"thread"`
}

type frame struct {
	Thread *threadResult `json:"thread,omitempty"`
	Chat   *chatMessage  `json:"chat,omitempty"`
	Ping   *pingMessage  `json:"ping,omitempty"`
}

type threadResult struct {
	ResultCode int    `json:"resultcode"`
	Thread     string `json:"thread"`
	LastRes    int    `json:"last_res"`
}

type chatMessage struct {
	Content  string `json:"content"`
	UserID   string `json:"user_id"`
	Date     int64  `json:"date"`
	DateUsec int64  `json:"date_usec"`
	Premium  int    `json:"premium,omitempty"`
}

type pingMessage struct {
	Content string `json:"content"`
}

func (m *chatMessage) comment() models.Comment {
	return models.Comment{
		Text:   m.Content,
		Author: m.UserID,
		Time:   time.Unix(m.Date, m.DateUsec*1000),
		Source: models.SourceNicoLive,
	}
}

// LiveProvider streams live comments for one channel's community over the
// comment websocket.
type LiveProvider struct {
	config   Config
	channel  models.Channel
	logger   *slog.Logger
	comments chan models.Comment

	// dial is swappable for tests.
	dial func(url, origin string) (*websocket.Conn, error)

	mu   sync.Mutex
	conn *websocket.Conn

	closeOnce sync.Once
	done      chan struct{}
}

// NewLive creates a live provider for the given channel.
func NewLive(config Config, channel models.Channel, logger *slog.Logger) (*LiveProvider, error) {
	if channel.JikkyoID == "" {
		return nil, ErrNoCommunity
	}
	if config.WatchURLTemplate == "" {
		config.WatchURLTemplate = DefaultConfig().WatchURLTemplate
	}
	if config.Origin == "" {
		config.Origin = DefaultConfig().Origin
	}
	if config.HistoryCount == 0 {
		config.HistoryCount = DefaultConfig().HistoryCount
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveProvider{
		config:  config,
		channel: channel,
		logger: logger.With(
			slog.String("component", "nicolive"),
			slog.String("channel", channel.Name),
			slog.String("jikkyo_id", channel.JikkyoID)),
		comments: make(chan models.Comment),
		dial: func(url, origin string) (*websocket.Conn, error) {
			return websocket.Dial(url, "", origin)
		},
		done: make(chan struct{}),
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
		p.mu.Lock()
		if p.conn != nil {
			p.conn.Close()
		}
		p.mu.Unlock()
	})
	return nil
}

// Fetch connects to the comment socket and emits chat frames until the
// connection drops or ctx is cancelled.
func (p *LiveProvider) Fetch(ctx context.Context) error {
	url := fmt.Sprintf(p.config.WatchURLTemplate, p.channel.JikkyoID)
	conn, err := p.dial(url, p.config.Origin)
	if err != nil {
		return fmt.Errorf("dialing comment socket: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.conn = nil
		p.mu.Unlock()
		conn.Close()
	}()

	// A cancelled ctx unblocks the blocking Receive by closing the socket.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var join threadRequest
	join.Thread.Thread = p.channel.JikkyoID
	join.Thread.Version = "20061206"
	join.Thread.ResFrom = p.config.HistoryCount
	if err := websocket.JSON.Send(conn, &join); err != nil {
		return fmt.Errorf("joining thread: %w", err)
	}

	p.logger.Info("comment socket connected")
	for {
		var f frame
		if err := websocket.JSON.Receive(conn, &f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p.closed() {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return errors.New("comment socket closed by upstream")
			}
			return fmt.Errorf("reading comment socket: %w", err)
		}

		switch {
		case f.Thread != nil:
			if f.Thread.ResultCode != 0 {
				return fmt.Errorf("thread join rejected: resultcode %d", f.Thread.ResultCode)
			}
			p.logger.Debug("thread joined", slog.Int("last_res", f.Thread.LastRes))
		case f.Chat != nil:
			select {
			case p.comments <- f.Chat.comment():
			case <-ctx.Done():
				return ctx.Err()
			case <-p.done:
				return nil
			}
		case f.Ping != nil:
			// Keep-alive, nothing to do.
		}
	}
}

func (p *LiveProvider) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
