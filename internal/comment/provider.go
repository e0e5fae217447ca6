// Package comment implements the subscription multiplexing and provider
// supervision core. It maps each (channel, source) pair to exactly one
// running upstream fetch loop regardless of subscriber count, fans fetched
// comments out to every attached subscriber, tears upstream work down when
// the last subscriber leaves, and drives timeshift playback sessions with
// shared pause/resume/seek control across providers.
package comment

import (
	"context"
	"errors"
	"time"

	"github.com/jmylchreest/commentarr/internal/models"
)

// ErrSourceNotConfigured is returned by a provider factory when the channel
// lacks the configuration the source needs (keywords, board URL,
// credentials). The caller skips that source silently; it is not a failure.
var ErrSourceNotConfigured = errors.New("source not configured for channel")

// ErrNoProviders is returned when none of the requested sources yields a
// usable provider for the channel.
var ErrNoProviders = errors.New("no providers available for channel")

// ErrSessionClosed is returned when operating on a torn-down timeshift session.
var ErrSessionClosed = errors.New("timeshift session closed")

// ErrSubscriptionClosed is returned when operating on a closed subscription.
var ErrSubscriptionClosed = errors.New("subscription closed")

// LiveProvider fetches a continuous comment stream from one upstream source
// for one channel.
type LiveProvider interface {
	// Fetch runs the long-running upstream fetch loop, publishing comments
	// to the queue returned by Comments. It returns when ctx is cancelled or
	// on transport failure, and must be safe to call again after a failure.
	Fetch(ctx context.Context) error

	// Comments returns the provider's output queue.
	Comments() <-chan models.Comment

	// Close releases upstream resources. It must be idempotent.
	Close() error
}

// TimeshiftProvider replays recorded commentary against a controllable
// virtual clock.
type TimeshiftProvider interface {
	// Fetch performs the one-shot historical pull for the session's time
	// range. It is retried on failure and never called again after success.
	Fetch(ctx context.Context) error

	// Seek performs one playback-drive step: it advances the replay cursor
	// and emits comments that became due. The seek duty calls it repeatedly;
	// it embodies the clock of timeshift playback.
	Seek(ctx context.Context) error

	// Pause suspends the provider's internal playback clock.
	Pause()

	// Resume resumes the provider's internal playback clock.
	Resume()

	// SetPosition moves the replay cursor to the given offset from the start
	// of the recording, then resumes the clock.
	SetPosition(seconds float64)

	// Comments returns the provider's output queue.
	Comments() <-chan models.Comment

	// Close releases upstream resources. It must be idempotent.
	Close() error
}

// LiveFactory constructs a live provider for one (channel, source) pair.
// It returns ErrSourceNotConfigured when the channel cannot support the
// source; any other error is surfaced to the subscriber.
type LiveFactory func(channel models.Channel, source models.CommentSource) (LiveProvider, error)

// TimeshiftFactory constructs a timeshift provider for one (channel, source)
// pair scoped to a recorded time range. The not-configured contract matches
// LiveFactory.
type TimeshiftFactory func(channel models.Channel, source models.CommentSource, startAt, endAt time.Time) (TimeshiftProvider, error)
