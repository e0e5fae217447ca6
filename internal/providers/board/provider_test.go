package board

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/commentarr/internal/models"
	"github.com/jmylchreest/commentarr/pkg/httpclient"
)

func testClient(t *testing.T) *httpclient.Client {
	t.Helper()
	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = 0
	return httpclient.New(cfg)
}

func boardChannel(baseURL string) models.Channel {
	return models.Channel{Name: "gr-ex", BoardURL: baseURL}
}

// boardServer emulates the board API: one thread whose posts grow by one on
// every posts poll.
func boardServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/threads.json":
			fmt.Fprint(w, `{"threads":[
				{"id":"100","title":"old thread","res_count":1000,"created_at":1700000000},
				{"id":"200","title":"current thread","res_count":10,"created_at":1700010000}
			]}`)
		case "/threads/200/posts.json":
			n := polls.Add(1)
			// The thread holds posts 1..n+1; honour the since_no cursor.
			since := atoiOr(r.URL.Query().Get("since_no"), 0)
			fmt.Fprint(w, `{"posts":[`)
			wrote := false
			for no := since + 1; no <= int(n)+1; no++ {
				if wrote {
					fmt.Fprint(w, ",")
				}
				fmt.Fprintf(w, `{"no":%d,"name":"anon","body":"post %d","at":%d}`, no, no, 1700010000+no)
				wrote = true
			}
			fmt.Fprint(w, `]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	return srv, &polls
}

func atoiOr(s string, def int) int {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return def
	}
	return n
}

func liveBoard(t *testing.T, srv *httptest.Server) *LiveProvider {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	p, err := NewLive(cfg, boardChannel(srv.URL), testClient(t), nil)
	require.NoError(t, err)
	return p
}

func TestNewLive_RequiresBoardURL(t *testing.T) {
	_, err := NewLive(DefaultConfig(), models.Channel{Name: "bare"}, nil, nil)
	assert.ErrorIs(t, err, ErrNoBoard)
}

func TestLiveFetch_FollowsNewestThreadAndSeeds(t *testing.T) {
	srv, _ := boardServer(t)
	defer srv.Close()

	p := liveBoard(t, srv)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- p.Fetch(ctx) }()

	// The seed poll returns posts 1..2 and must emit nothing; the first
	// emitted comment is post 3 from the second poll.
	select {
	case c := <-p.Comments():
		assert.Equal(t, "post 3", c.Text)
		assert.Equal(t, "anon", c.Author)
		assert.Equal(t, models.SourceBoard, c.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for polled post")
	}

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("fetch did not return after cancellation")
	}
}

func TestLiveFetch_CursorAdvances(t *testing.T) {
	srv, _ := boardServer(t)
	defer srv.Close()

	p := liveBoard(t, srv)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Fetch(ctx)

	first := <-p.Comments()
	second := <-p.Comments()
	assert.Equal(t, "post 3", first.Text)
	assert.Equal(t, "post 4", second.Text)
}

func TestLiveFetch_RequestFailureSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := liveBoard(t, srv)
	defer p.Close()

	err := p.Fetch(context.Background())
	assert.Error(t, err)
}

func TestLiveFetch_EmptyBoard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"threads":[]}`)
	}))
	defer srv.Close()

	p := liveBoard(t, srv)
	defer p.Close()

	err := p.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveThread)
}

func TestTimeshiftFetch_LoadsWindowOnce(t *testing.T) {
	startAt := time.Now().Add(-time.Hour)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/posts.json", r.URL.Path)
		assert.NotEmpty(t, r.URL.Query().Get("from"))
		assert.NotEmpty(t, r.URL.Query().Get("to"))
		calls.Add(1)
		fmt.Fprintf(w, `{"posts":[{"no":1,"name":"anon","body":"recorded","at":%d}]}`, startAt.Unix()+2)
	}))
	defer srv.Close()

	p, err := NewTimeshift(boardChannel(srv.URL), testClient(t), startAt, startAt.Add(time.Hour), nil)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Fetch(context.Background()))
	require.NoError(t, p.Fetch(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestTimeshift_ReplayDelivery(t *testing.T) {
	startAt := time.Now().Add(-time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"posts":[{"no":1,"name":"anon","body":"recorded","at":%d}]}`, startAt.Unix()+2)
	}))
	defer srv.Close()

	p, err := NewTimeshift(boardChannel(srv.URL), testClient(t), startAt, startAt.Add(time.Hour), nil)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Fetch(context.Background()))
	p.SetPosition(1.9)
	p.Resume()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			if err := p.Seek(ctx); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	select {
	case c := <-p.Comments():
		assert.Equal(t, "recorded", c.Text)
		assert.Equal(t, models.SourceBoard, c.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for replayed post")
	}
}
