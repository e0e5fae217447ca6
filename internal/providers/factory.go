// Package providers wires the per-source providers into the factories the
// comment core consumes.
package providers

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/commentarr/internal/comment"
	"github.com/jmylchreest/commentarr/internal/models"
	"github.com/jmylchreest/commentarr/internal/providers/board"
	"github.com/jmylchreest/commentarr/internal/providers/hashtag"
	"github.com/jmylchreest/commentarr/internal/providers/nicolive"
	"github.com/jmylchreest/commentarr/pkg/httpclient"
)

// Config aggregates per-source provider configuration.
type Config struct {
	NicoLive nicolive.Config
	Hashtag  hashtag.Config
	Board    board.Config
}

// DefaultConfig returns defaults for every source.
func DefaultConfig() Config {
	return Config{
		NicoLive: nicolive.DefaultConfig(),
		Hashtag:  hashtag.DefaultConfig(),
		Board:    board.DefaultConfig(),
	}
}

// NewLiveFactory returns a LiveFactory dispatching on comment source. A
// channel that cannot support the source, or a source whose provider lacks
// the configuration it needs, yields ErrSourceNotConfigured so the
// multiplexer skips it silently.
func NewLiveFactory(cfg Config, client *httpclient.Client, logger *slog.Logger) comment.LiveFactory {
	return func(channel models.Channel, source models.CommentSource) (comment.LiveProvider, error) {
		if !channel.SupportsSource(source) {
			return nil, comment.ErrSourceNotConfigured
		}

		switch source {
		case models.SourceNicoLive:
			p, err := nicolive.NewLive(cfg.NicoLive, channel, logger)
			if err != nil {
				return nil, mapConstructorError(err)
			}
			return p, nil
		case models.SourceHashtag:
			p, err := hashtag.New(cfg.Hashtag, channel, client, logger)
			if err != nil {
				return nil, mapConstructorError(err)
			}
			return p, nil
		case models.SourceBoard:
			p, err := board.NewLive(cfg.Board, channel, client, logger)
			if err != nil {
				return nil, mapConstructorError(err)
			}
			return p, nil
		default:
			return nil, fmt.Errorf("unknown comment source %q", source)
		}
	}
}

// NewTimeshiftFactory returns a TimeshiftFactory dispatching on comment
// source. The hashtag search API keeps no replayable archive, so that source
// is never available for timeshift.
func NewTimeshiftFactory(cfg Config, client *httpclient.Client, logger *slog.Logger) comment.TimeshiftFactory {
	return func(channel models.Channel, source models.CommentSource, startAt, endAt time.Time) (comment.TimeshiftProvider, error) {
		if !channel.SupportsSource(source) {
			return nil, comment.ErrSourceNotConfigured
		}

		switch source {
		case models.SourceNicoLive:
			p, err := nicolive.NewTimeshift(cfg.NicoLive, channel, client, startAt, endAt, logger)
			if err != nil {
				return nil, mapConstructorError(err)
			}
			return p, nil
		case models.SourceBoard:
			p, err := board.NewTimeshift(channel, client, startAt, endAt, logger)
			if err != nil {
				return nil, mapConstructorError(err)
			}
			return p, nil
		case models.SourceHashtag:
			return nil, comment.ErrSourceNotConfigured
		default:
			return nil, fmt.Errorf("unknown comment source %q", source)
		}
	}
}

// mapConstructorError folds per-provider missing-configuration sentinels
// into the core's not-configured contract.
func mapConstructorError(err error) error {
	switch {
	case errors.Is(err, nicolive.ErrNoCommunity),
		errors.Is(err, hashtag.ErrNoCredentials),
		errors.Is(err, board.ErrNoBoard):
		return comment.ErrSourceNotConfigured
	default:
		return err
	}
}
