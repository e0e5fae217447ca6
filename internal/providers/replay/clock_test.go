package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/commentarr/internal/models"
)

func timeline(startAt time.Time, offsets ...float64) []models.Comment {
	comments := make([]models.Comment, 0, len(offsets))
	for i, off := range offsets {
		comments = append(comments, models.Comment{
			Text:   string(rune('a' + i)),
			Time:   startAt.Add(time.Duration(off * float64(time.Second))),
			Source: models.SourceBoard,
		})
	}
	return comments
}

func TestClock_PausedEmitsNothing(t *testing.T) {
	startAt := time.Now()
	clock := NewClock(startAt)
	clock.Load(timeline(startAt, 0.5, 1.0))

	due := clock.Step(time.Now().Add(time.Minute))
	assert.Empty(t, due)
	assert.Zero(t, clock.Position())
}

func TestClock_EmitsDueCommentsInOrder(t *testing.T) {
	startAt := time.Now()
	clock := NewClock(startAt)
	clock.Load(timeline(startAt, 2.0, 1.0, 3.0))
	clock.Resume()

	// Advance 2.5 seconds of playback time.
	due := clock.Step(time.Now().Add(2500 * time.Millisecond))
	require.Len(t, due, 2)
	assert.Equal(t, "b", due[0].Text) // 1.0s
	assert.Equal(t, "a", due[1].Text) // 2.0s

	due = clock.Step(time.Now().Add(4 * time.Second))
	require.Len(t, due, 1)
	assert.Equal(t, "c", due[0].Text)
}

func TestClock_StepNeverRepeats(t *testing.T) {
	startAt := time.Now()
	clock := NewClock(startAt)
	clock.Load(timeline(startAt, 1.0))
	clock.Resume()

	due := clock.Step(time.Now().Add(2 * time.Second))
	require.Len(t, due, 1)

	due = clock.Step(time.Now().Add(3 * time.Second))
	assert.Empty(t, due)
}

func TestClock_SetPositionSkipsPastComments(t *testing.T) {
	startAt := time.Now()
	clock := NewClock(startAt)
	clock.Load(timeline(startAt, 1.0, 5.0, 10.0))

	clock.SetPosition(6.0)
	clock.Resume()

	due := clock.Step(time.Now().Add(5 * time.Second))
	require.Len(t, due, 1)
	assert.Equal(t, "c", due[0].Text)
}

func TestClock_SetPositionResumesPausedClock(t *testing.T) {
	startAt := time.Now()
	clock := NewClock(startAt)
	clock.Load(timeline(startAt, 5.0, 12.0))
	clock.Resume()
	clock.Pause()

	// A position jump restarts playback from the new offset.
	clock.SetPosition(10.0)
	assert.True(t, clock.Running())

	due := clock.Step(time.Now().Add(3 * time.Second))
	require.Len(t, due, 1)
	assert.Equal(t, "b", due[0].Text)
}

func TestClock_SetPositionBackwardReplaysForwardOnly(t *testing.T) {
	startAt := time.Now()
	clock := NewClock(startAt)
	clock.Load(timeline(startAt, 1.0, 5.0))
	clock.Resume()

	due := clock.Step(time.Now().Add(6 * time.Second))
	require.Len(t, due, 2)

	// Jumping back re-arms comments after the new position.
	clock.SetPosition(3.0)
	due = clock.Step(time.Now().Add(3 * time.Second))
	require.Len(t, due, 1)
	assert.Equal(t, "b", due[0].Text)
}

func TestClock_PauseFreezesPosition(t *testing.T) {
	startAt := time.Now()
	clock := NewClock(startAt)
	clock.Load(timeline(startAt, 30.0))
	clock.SetPosition(2.0)
	clock.Resume()
	clock.Pause()

	// Wall time passing while paused must not advance playback.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, clock.Step(time.Now()))
	assert.InDelta(t, 2.0, clock.Position(), 0.5)
	assert.False(t, clock.Running())
}

func TestClock_LoadAfterSeekHonoursPosition(t *testing.T) {
	startAt := time.Now()
	clock := NewClock(startAt)
	clock.SetPosition(4.0)
	clock.Load(timeline(startAt, 1.0, 5.0))
	clock.Resume()

	due := clock.Step(time.Now().Add(2 * time.Second))
	require.Len(t, due, 1)
	assert.Equal(t, "b", due[0].Text)
}

func TestClock_UnloadedEmitsNothing(t *testing.T) {
	clock := NewClock(time.Now())
	clock.Resume()
	assert.False(t, clock.Loaded())
	assert.Empty(t, clock.Step(time.Now().Add(time.Minute)))
}
