package transcode

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	mu     sync.Mutex
	exited bool

	terminateCalls atomic.Int32
	pid            int
}

func (p *fakeProcess) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

func (p *fakeProcess) Terminate() error {
	p.terminateCalls.Add(1)
	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) markExited() {
	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()
}

type fakeStarter struct {
	mu        sync.Mutex
	processes []*fakeProcess

	startCalls atomic.Int32
	startDelay time.Duration
	startErr   error
}

// Start embeds the call count in the output path so tests can tell a reused
// session apart from a restarted one.
func (s *fakeStarter) Start(ctx context.Context, service, preset string) (Process, string, error) {
	n := s.startCalls.Add(1)
	if s.startDelay > 0 {
		select {
		case <-time.After(s.startDelay):
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	if s.startErr != nil {
		return nil, "", s.startErr
	}
	p := &fakeProcess{pid: int(n)}
	s.mu.Lock()
	s.processes = append(s.processes, p)
	s.mu.Unlock()
	return p, fmt.Sprintf("/tmp/%s-%s-%d/stream.m3u8", service, preset, n), nil
}

func (s *fakeStarter) process(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processes[i]
}

func testCacheConfig() CacheConfig {
	return CacheConfig{
		IdleTimeout:      time.Hour,
		WatchdogInterval: 5 * time.Millisecond,
	}
}

func TestCache_AcquireReusesLiveSession(t *testing.T) {
	starter := &fakeStarter{}
	cache := NewCache(testCacheConfig(), starter, nil)
	defer cache.Close()

	first, err := cache.Acquire(context.Background(), "gr-ex", "720p")
	require.NoError(t, err)

	second, err := cache.Acquire(context.Background(), "gr-ex", "720p")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), starter.startCalls.Load())
	assert.Equal(t, 1, cache.SessionCount())
}

func TestCache_DistinctKeysGetDistinctSessions(t *testing.T) {
	starter := &fakeStarter{}
	cache := NewCache(testCacheConfig(), starter, nil)
	defer cache.Close()

	a, err := cache.Acquire(context.Background(), "gr-ex", "720p")
	require.NoError(t, err)
	b, err := cache.Acquire(context.Background(), "gr-ex", "1080p")
	require.NoError(t, err)
	c, err := cache.Acquire(context.Background(), "bs-ex", "720p")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, int32(3), starter.startCalls.Load())
	assert.Equal(t, 3, cache.SessionCount())
}

func TestCache_ConcurrentAcquireStartsOnce(t *testing.T) {
	starter := &fakeStarter{startDelay: 20 * time.Millisecond}
	cache := NewCache(testCacheConfig(), starter, nil)
	defer cache.Close()

	const workers = 16
	paths := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = cache.Acquire(context.Background(), "gr-ex", "720p")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), starter.startCalls.Load())
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i])
	}
}

func TestCache_StartFailureIsSurfacedAndNotCached(t *testing.T) {
	starter := &fakeStarter{startErr: fmt.Errorf("spawn failed")}
	cache := NewCache(testCacheConfig(), starter, nil)
	defer cache.Close()

	_, err := cache.Acquire(context.Background(), "gr-ex", "720p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spawn failed")
	assert.Equal(t, 0, cache.SessionCount())

	// The next acquire tries again instead of replaying the cached failure.
	starter.startErr = nil
	path, err := cache.Acquire(context.Background(), "gr-ex", "720p")
	require.NoError(t, err)
	assert.NotEmpty(t, path)
}

func TestCache_DeadProcessIsReplacedOnAcquire(t *testing.T) {
	starter := &fakeStarter{}
	config := testCacheConfig()
	config.WatchdogInterval = time.Hour // keep the watchdog out of this test
	cache := NewCache(config, starter, nil)
	defer cache.Close()

	first, err := cache.Acquire(context.Background(), "gr-ex", "720p")
	require.NoError(t, err)

	starter.process(0).markExited()

	second, err := cache.Acquire(context.Background(), "gr-ex", "720p")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(2), starter.startCalls.Load())
	assert.Equal(t, 1, cache.SessionCount())
}

func TestCache_WatchdogEvictsIdleSession(t *testing.T) {
	starter := &fakeStarter{}
	config := CacheConfig{
		IdleTimeout:      10 * time.Millisecond,
		WatchdogInterval: 5 * time.Millisecond,
	}
	cache := NewCache(config, starter, nil)
	defer cache.Close()

	_, err := cache.Acquire(context.Background(), "gr-ex", "720p")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return starter.process(0).terminateCalls.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, cache.SessionCount())
}

func TestCache_AcquireKeepsSessionAlive(t *testing.T) {
	starter := &fakeStarter{}
	config := CacheConfig{
		IdleTimeout:      40 * time.Millisecond,
		WatchdogInterval: 5 * time.Millisecond,
	}
	cache := NewCache(config, starter, nil)
	defer cache.Close()

	first, err := cache.Acquire(context.Background(), "gr-ex", "720p")
	require.NoError(t, err)

	// Repeated acquires within the idle window keep refreshing last access.
	deadline := time.Now().Add(120 * time.Millisecond)
	for time.Now().Before(deadline) {
		path, err := cache.Acquire(context.Background(), "gr-ex", "720p")
		require.NoError(t, err)
		assert.Equal(t, first, path)
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, int32(1), starter.startCalls.Load())
}

func TestCache_WatchdogRemovesExitedSession(t *testing.T) {
	starter := &fakeStarter{}
	cache := NewCache(testCacheConfig(), starter, nil)
	defer cache.Close()

	_, err := cache.Acquire(context.Background(), "gr-ex", "720p")
	require.NoError(t, err)

	starter.process(0).markExited()

	require.Eventually(t, func() bool {
		return cache.SessionCount() == 0
	}, time.Second, 5*time.Millisecond)
	// Already dead, so the watchdog must not try to terminate it.
	assert.Equal(t, int32(0), starter.process(0).terminateCalls.Load())
}

func TestCache_CloseTerminatesEverySession(t *testing.T) {
	starter := &fakeStarter{}
	cache := NewCache(testCacheConfig(), starter, nil)

	_, err := cache.Acquire(context.Background(), "gr-ex", "720p")
	require.NoError(t, err)
	_, err = cache.Acquire(context.Background(), "bs-ex", "1080p")
	require.NoError(t, err)

	cache.Close()

	assert.Equal(t, int32(1), starter.process(0).terminateCalls.Load())
	assert.Equal(t, int32(1), starter.process(1).terminateCalls.Load())
	assert.Equal(t, 0, cache.SessionCount())
}

func TestCache_Stats(t *testing.T) {
	starter := &fakeStarter{}
	cache := NewCache(testCacheConfig(), starter, nil)
	defer cache.Close()

	path, err := cache.Acquire(context.Background(), "gr-ex", "720p")
	require.NoError(t, err)

	stats := cache.Stats()
	assert.Equal(t, 1, stats.ActiveSessions)
	require.Len(t, stats.Sessions, 1)
	assert.Equal(t, "gr-ex", stats.Sessions[0].Service)
	assert.Equal(t, "720p", stats.Sessions[0].Preset)
	assert.Equal(t, path, stats.Sessions[0].OutputPath)
	assert.NotEmpty(t, stats.Sessions[0].ID)
}
