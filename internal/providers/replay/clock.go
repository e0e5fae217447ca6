// Package replay implements the playback clock shared by timeshift
// providers. A provider loads its recorded comments once, then drives the
// clock on an interval; the clock hands back the comments that became due
// since the last step.
package replay

import (
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/commentarr/internal/models"
)

// Clock replays a fixed comment timeline against a movable position.
// Position is measured in seconds from the recording start. The clock only
// advances while running and only when stepped; paused wall time never
// moves it.
type Clock struct {
	mu       sync.Mutex
	startAt  time.Time
	comments []models.Comment
	next     int

	position float64
	running  bool
	lastTick time.Time
	loaded   bool
}

// NewClock creates a paused clock at position zero.
func NewClock(startAt time.Time) *Clock {
	return &Clock{startAt: startAt}
}

// Load installs the recorded timeline, sorted by comment time. The replay
// index is re-pointed at the current position, so a Load after a seek does
// not replay already-passed comments.
func (c *Clock) Load(comments []models.Comment) {
	sorted := make([]models.Comment, len(comments))
	copy(sorted, comments)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})

	c.mu.Lock()
	c.comments = sorted
	c.loaded = true
	c.next = c.indexAfterLocked(c.position)
	c.mu.Unlock()
}

// Loaded reports whether a timeline has been installed.
func (c *Clock) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

// Pause stops the clock. Stepping a paused clock emits nothing.
func (c *Clock) Pause() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// Resume starts the clock from its current position.
func (c *Clock) Resume() {
	c.mu.Lock()
	if !c.running {
		c.running = true
		c.lastTick = time.Now()
	}
	c.mu.Unlock()
}

// SetPosition jumps to the given offset in seconds and resumes the clock.
// Comments before the new position are skipped, never re-emitted.
func (c *Clock) SetPosition(seconds float64) {
	c.mu.Lock()
	c.position = seconds
	c.running = true
	c.lastTick = time.Now()
	c.next = c.indexAfterLocked(seconds)
	c.mu.Unlock()
}

// Position returns the current offset in seconds.
func (c *Clock) Position() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// Running reports whether the clock is advancing.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Step advances the clock to now and returns the comments that became due.
// A paused or unloaded clock returns nothing.
func (c *Clock) Step(now time.Time) []models.Comment {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || !c.loaded {
		return nil
	}

	c.position += now.Sub(c.lastTick).Seconds()
	c.lastTick = now

	start := c.next
	for c.next < len(c.comments) && c.offsetLocked(c.comments[c.next]) <= c.position {
		c.next++
	}
	if c.next == start {
		return nil
	}

	due := make([]models.Comment, c.next-start)
	copy(due, c.comments[start:c.next])
	return due
}

// indexAfterLocked returns the index of the first comment strictly after the
// given offset. Callers must hold c.mu.
func (c *Clock) indexAfterLocked(seconds float64) int {
	return sort.Search(len(c.comments), func(i int) bool {
		return c.offsetLocked(c.comments[i]) > seconds
	})
}

func (c *Clock) offsetLocked(comment models.Comment) float64 {
	return comment.Time.Sub(c.startAt).Seconds()
}
