package comment

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/commentarr/internal/models"
)

// fakeLiveProvider is a controllable LiveProvider for multiplexer tests.
type fakeLiveProvider struct {
	comments   chan models.Comment
	fetchErr   error
	fetchCalls atomic.Int32
	closeCalls atomic.Int32
	closeOnce  sync.Once
}

func newFakeLiveProvider() *fakeLiveProvider {
	return &fakeLiveProvider{comments: make(chan models.Comment, 16)}
}

func (p *fakeLiveProvider) Fetch(ctx context.Context) error {
	p.fetchCalls.Add(1)
	if p.fetchErr != nil {
		return p.fetchErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *fakeLiveProvider) Comments() <-chan models.Comment { return p.comments }

func (p *fakeLiveProvider) Close() error {
	p.closeCalls.Add(1)
	p.closeOnce.Do(func() { close(p.comments) })
	return nil
}

func (p *fakeLiveProvider) emit(text string, source models.CommentSource) {
	p.comments <- models.Comment{Text: text, Time: time.Now(), Source: source}
}

func testChannel() models.Channel {
	return models.Channel{
		Name:            "gr-test",
		JikkyoID:        "jk1",
		HashtagKeywords: []string{"#test"},
		BoardURL:        "http://boards.example/test",
	}
}

func testConfig() MultiplexerConfig {
	return MultiplexerConfig{
		RetryBackoff:     10 * time.Millisecond,
		SubscriberBuffer: 16,
	}
}

func recvComment(t *testing.T, sub *Subscription) models.Comment {
	t.Helper()
	select {
	case c, ok := <-sub.Comments():
		require.True(t, ok, "subscription ended unexpectedly")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for comment")
		return models.Comment{}
	}
}

func TestMultiplexer_SharesProviderAcrossSubscribers(t *testing.T) {
	provider := newFakeLiveProvider()
	var constructions atomic.Int32
	factory := func(_ models.Channel, _ models.CommentSource) (LiveProvider, error) {
		constructions.Add(1)
		return provider, nil
	}

	m := NewMultiplexer(testConfig(), factory, nil)
	defer m.Close()

	sources := []models.CommentSource{models.SourceNicoLive}
	var subs []*Subscription
	for i := 0; i < 3; i++ {
		sub, err := m.SubscribeLive(context.Background(), testChannel(), sources)
		require.NoError(t, err)
		subs = append(subs, sub)
	}

	assert.Equal(t, int32(1), constructions.Load())
	assert.Equal(t, 1, m.EntryCount())

	provider.emit("hello", models.SourceNicoLive)
	for _, sub := range subs {
		c := recvComment(t, sub)
		assert.Equal(t, "hello", c.Text)
	}

	for _, sub := range subs {
		sub.Close()
	}
}

func TestMultiplexer_FactoryFailureClosesEarlierProviders(t *testing.T) {
	provider := newFakeLiveProvider()
	factory := func(_ models.Channel, source models.CommentSource) (LiveProvider, error) {
		if source == models.SourceHashtag {
			return nil, assert.AnError
		}
		return provider, nil
	}

	m := NewMultiplexer(testConfig(), factory, nil)
	defer m.Close()

	sources := []models.CommentSource{models.SourceNicoLive, models.SourceHashtag}
	_, err := m.SubscribeLive(context.Background(), testChannel(), sources)
	require.ErrorIs(t, err, assert.AnError)

	// The provider built for the first source must be torn down, not leaked.
	assert.Equal(t, int32(1), provider.closeCalls.Load())
	assert.Equal(t, 0, m.EntryCount())
}

func TestMultiplexer_LastDetachTearsDownProvider(t *testing.T) {
	provider := newFakeLiveProvider()
	factory := func(_ models.Channel, _ models.CommentSource) (LiveProvider, error) {
		return provider, nil
	}

	m := NewMultiplexer(testConfig(), factory, nil)
	defer m.Close()

	sources := []models.CommentSource{models.SourceNicoLive}
	first, err := m.SubscribeLive(context.Background(), testChannel(), sources)
	require.NoError(t, err)
	second, err := m.SubscribeLive(context.Background(), testChannel(), sources)
	require.NoError(t, err)

	first.Close()
	assert.Equal(t, 1, m.EntryCount(), "entry must survive while a subscriber remains")
	assert.Equal(t, int32(0), provider.closeCalls.Load())

	second.Close()
	assert.Equal(t, 0, m.EntryCount())
	assert.Equal(t, int32(1), provider.closeCalls.Load(), "provider must be closed exactly once")

	// The detached subscriber's stream ends cleanly.
	_, ok := <-second.Comments()
	assert.False(t, ok)
}

func TestMultiplexer_ReattachAfterTeardownCreatesFreshProvider(t *testing.T) {
	var constructions atomic.Int32
	factory := func(_ models.Channel, _ models.CommentSource) (LiveProvider, error) {
		constructions.Add(1)
		return newFakeLiveProvider(), nil
	}

	m := NewMultiplexer(testConfig(), factory, nil)
	defer m.Close()

	sources := []models.CommentSource{models.SourceBoard}
	sub, err := m.SubscribeLive(context.Background(), testChannel(), sources)
	require.NoError(t, err)
	sub.Close()
	require.Equal(t, 0, m.EntryCount())

	sub, err = m.SubscribeLive(context.Background(), testChannel(), sources)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, int32(2), constructions.Load())
	assert.Equal(t, 1, m.EntryCount())
}

func TestMultiplexer_SkipsSourceWithoutChannelConfig(t *testing.T) {
	var constructed []models.CommentSource
	factory := func(_ models.Channel, source models.CommentSource) (LiveProvider, error) {
		constructed = append(constructed, source)
		return newFakeLiveProvider(), nil
	}

	m := NewMultiplexer(testConfig(), factory, nil)
	defer m.Close()

	// Channel has a jikkyo ID but no hashtag keywords.
	channel := models.Channel{Name: "gr-x", JikkyoID: "jk9"}
	sub, err := m.SubscribeLive(context.Background(), channel,
		[]models.CommentSource{models.SourceNicoLive, models.SourceHashtag})
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, []models.CommentSource{models.SourceNicoLive}, constructed)
	assert.Equal(t, 1, m.EntryCount())
}

func TestMultiplexer_SkipsSourceFactoryDeclines(t *testing.T) {
	factory := func(_ models.Channel, source models.CommentSource) (LiveProvider, error) {
		if source == models.SourceHashtag {
			// Missing credentials.
			return nil, ErrSourceNotConfigured
		}
		return newFakeLiveProvider(), nil
	}

	m := NewMultiplexer(testConfig(), factory, nil)
	defer m.Close()

	sub, err := m.SubscribeLive(context.Background(), testChannel(),
		[]models.CommentSource{models.SourceHashtag, models.SourceBoard})
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, 1, m.EntryCount())
}

func TestMultiplexer_NoUsableSources(t *testing.T) {
	factory := func(_ models.Channel, _ models.CommentSource) (LiveProvider, error) {
		return nil, ErrSourceNotConfigured
	}

	m := NewMultiplexer(testConfig(), factory, nil)
	defer m.Close()

	_, err := m.SubscribeLive(context.Background(), testChannel(),
		[]models.CommentSource{models.SourceNicoLive})
	assert.ErrorIs(t, err, ErrNoProviders)
	assert.Equal(t, 0, m.EntryCount())
}

func TestMultiplexer_ContextCancelDetaches(t *testing.T) {
	provider := newFakeLiveProvider()
	factory := func(_ models.Channel, _ models.CommentSource) (LiveProvider, error) {
		return provider, nil
	}

	m := NewMultiplexer(testConfig(), factory, nil)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := m.SubscribeLive(ctx, testChannel(), []models.CommentSource{models.SourceNicoLive})
	require.NoError(t, err)

	cancel()

	require.Eventually(t, func() bool {
		return m.EntryCount() == 0 && provider.closeCalls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Stream ends cleanly after an abnormal detach too.
	for range sub.Comments() {
	}
}

func TestMultiplexer_ConcurrentChurnClosesEveryProviderOnce(t *testing.T) {
	var mu sync.Mutex
	var providers []*fakeLiveProvider
	factory := func(_ models.Channel, _ models.CommentSource) (LiveProvider, error) {
		p := newFakeLiveProvider()
		mu.Lock()
		providers = append(providers, p)
		mu.Unlock()
		return p, nil
	}

	m := NewMultiplexer(testConfig(), factory, nil)
	defer m.Close()

	sources := []models.CommentSource{models.SourceNicoLive, models.SourceBoard}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				sub, err := m.SubscribeLive(context.Background(), testChannel(), sources)
				if err != nil {
					continue
				}
				sub.Close()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, m.EntryCount())
	mu.Lock()
	defer mu.Unlock()
	for _, p := range providers {
		assert.Equal(t, int32(1), p.closeCalls.Load())
	}
}

func TestMultiplexer_StatsSnapshot(t *testing.T) {
	factory := func(_ models.Channel, _ models.CommentSource) (LiveProvider, error) {
		return newFakeLiveProvider(), nil
	}

	m := NewMultiplexer(testConfig(), factory, nil)
	defer m.Close()

	sub, err := m.SubscribeLive(context.Background(), testChannel(),
		[]models.CommentSource{models.SourceNicoLive, models.SourceBoard})
	require.NoError(t, err)
	defer sub.Close()

	stats := m.Stats()
	assert.Len(t, stats.Entries, 2)
	assert.Equal(t, 2, stats.TotalSubscribers)
	for _, e := range stats.Entries {
		assert.Equal(t, 1, e.Subscribers)
		assert.True(t, e.Supervising)
	}
}
