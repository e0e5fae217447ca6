package hashtag

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/commentarr/internal/models"
	"github.com/jmylchreest/commentarr/pkg/httpclient"
)

func testChannel() models.Channel {
	return models.Channel{
		Name:            "gr-ex",
		HashtagKeywords: []string{"#exampletv", "example"},
	}
}

func testProvider(t *testing.T, baseURL string) *Provider {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.BearerToken = "test-token"
	cfg.StreamFallbackDelay = 5 * time.Millisecond
	cfg.DefaultPollDelay = 5 * time.Millisecond

	clientCfg := httpclient.DefaultConfig()
	clientCfg.RetryAttempts = 0

	p, err := New(cfg, testChannel(), httpclient.New(clientCfg), nil)
	require.NoError(t, err)
	return p
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(Config{}, testChannel(), nil, nil)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestPollDelay_SpreadsBudgetAcrossWindow(t *testing.T) {
	p := testProvider(t, "http://unused")
	p.config.DefaultPollDelay = 15 * time.Second

	header := http.Header{}
	header.Set(headerRateRemaining, "10")
	header.Set(headerRateReset, strconv.FormatInt(time.Now().Add(150*time.Second).Unix(), 10))

	delay := p.pollDelay(header)
	assert.InDelta(t, float64(15*time.Second), float64(delay), float64(time.Second))
}

func TestPollDelay_ExhaustedBudgetUsesDefault(t *testing.T) {
	p := testProvider(t, "http://unused")
	p.config.DefaultPollDelay = 15 * time.Second

	header := http.Header{}
	header.Set(headerRateRemaining, "0")
	header.Set(headerRateReset, strconv.FormatInt(time.Now().Add(100*time.Second).Unix(), 10))

	assert.Equal(t, 15*time.Second, p.pollDelay(header))
}

func TestPollDelay_MissingHeadersUseDefault(t *testing.T) {
	p := testProvider(t, "http://unused")
	p.config.DefaultPollDelay = 15 * time.Second

	assert.Equal(t, 15*time.Second, p.pollDelay(http.Header{}))

	header := http.Header{}
	header.Set(headerRateRemaining, "5")
	assert.Equal(t, 15*time.Second, p.pollDelay(header))
}

// pollServer emulates the search API: streaming always declines, the first
// search returns history, later searches return one new post each.
func pollServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var searches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/2/tweets/search/stream":
			w.WriteHeader(http.StatusForbidden)
		case "/2/tweets/search/recent":
			n := searches.Add(1)
			w.Header().Set(headerRateRemaining, "100")
			w.Header().Set(headerRateReset, strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
			if n == 1 {
				assert.Empty(t, r.URL.Query().Get("since_id"), "first poll must not use a cursor")
				fmt.Fprint(w, `{"data":[{"id":"90","text":"old history #exampletv","author_id":"u1"}],"meta":{"newest_id":"90","result_count":1}}`)
				return
			}
			assert.NotEmpty(t, r.URL.Query().Get("since_id"))
			fmt.Fprintf(w, `{"data":[{"id":"%d","text":"new post %d #exampletv","author_id":"u2"}],"meta":{"newest_id":"%d","result_count":1}}`, 90+n, n, 90+n)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	return srv, &searches
}

func TestFetch_FallsBackToPollingAndSkipsHistory(t *testing.T) {
	srv, _ := pollServer(t)
	defer srv.Close()

	p := testProvider(t, srv.URL)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- p.Fetch(ctx) }()

	// The seeded history post must never surface; the first emitted
	// comment comes from the second poll.
	select {
	case c := <-p.Comments():
		assert.Contains(t, c.Text, "new post")
		assert.Equal(t, models.SourceHashtag, c.Source)
		assert.Equal(t, "u2", c.Author)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for polled comment")
	}

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("fetch did not return after cancellation")
	}
}

func TestFetch_PollCursorAdvances(t *testing.T) {
	srv, searches := pollServer(t)
	defer srv.Close()

	p := testProvider(t, srv.URL)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Fetch(ctx)

	first := <-p.Comments()
	second := <-p.Comments()
	assert.NotEqual(t, first.Text, second.Text)
	assert.GreaterOrEqual(t, searches.Load(), int32(3))
}

func TestFetch_StreamDeliversMatchingPosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/2/tweets/search/stream", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"data":{"id":"1","text":"live #exampletv","author_id":"u1"}}`)
		fmt.Fprintln(w, `{"data":{"id":"2","text":"unrelated chatter","author_id":"u2"}}`)
		fmt.Fprintln(w, `{"data":{"id":"3","text":"more example talk","author_id":"u3"}}`)
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	p := testProvider(t, srv.URL)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Fetch(ctx)

	first := <-p.Comments()
	assert.Equal(t, "live #exampletv", first.Text)

	// The keyword filter drops the unrelated post.
	second := <-p.Comments()
	assert.Equal(t, "more example talk", second.Text)
}

func TestFetch_CloseStopsPolling(t *testing.T) {
	srv, _ := pollServer(t)
	defer srv.Close()

	p := testProvider(t, srv.URL)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Fetch(context.Background()) }()

	<-p.Comments()
	require.NoError(t, p.Close())

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("fetch did not return after close")
	}
}
