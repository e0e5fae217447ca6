package comment

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jmylchreest/commentarr/internal/models"
)

// Subscription is one viewer's attachment to a channel's live comment
// stream. Comments from every attached source are interleaved best-effort
// onto a single output channel; within one source, provider emission order
// is preserved.
type Subscription struct {
	// ID is the opaque identity registered in each provider's registry.
	ID uuid.UUID

	out  chan models.Comment
	done chan struct{}
	mux  *Multiplexer

	// entries is written only under the multiplexer's table mutex.
	entries []*liveEntry

	delivered atomic.Uint64
	dropped   atomic.Uint64

	closeOnce  sync.Once
	finishOnce sync.Once
}

// Comments returns the subscriber's output stream. It is closed after the
// subscription detaches; a consumer only ever sees comments or a clean end,
// never a mid-stream error.
func (s *Subscription) Comments() <-chan models.Comment {
	return s.out
}

// Close detaches the subscription from every source it joined. It is
// idempotent and safe to call concurrently with stream consumption.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.mux.detach(s)
	})
}

// offer delivers a comment without ever blocking the provider or other
// subscribers. A slow subscriber misses comments; this is a deliberate
// at-most-once, low-latency policy.
func (s *Subscription) offer(c models.Comment) {
	select {
	case s.out <- c:
		s.delivered.Add(1)
	default:
		s.dropped.Add(1)
	}
}

// finish closes the output stream. It must only be called after the
// subscription has been removed from every registry, so no broadcast can
// still be holding a reference.
func (s *Subscription) finish() {
	s.finishOnce.Do(func() {
		close(s.done)
		close(s.out)
	})
}

// Delivered returns the number of comments delivered to this subscriber.
func (s *Subscription) Delivered() uint64 {
	return s.delivered.Load()
}

// Dropped returns the number of comments dropped because the subscriber was
// not keeping up.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}
