package providers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/commentarr/internal/comment"
	"github.com/jmylchreest/commentarr/internal/models"
)

func fullChannel() models.Channel {
	return models.Channel{
		Name:            "gr-ex",
		JikkyoID:        "jk1",
		HashtagKeywords: []string{"#example"},
		BoardURL:        "https://board.example.com/tv/ex",
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Hashtag.BearerToken = "token"
	return cfg
}

func TestLiveFactory_BuildsEachConfiguredSource(t *testing.T) {
	factory := NewLiveFactory(testConfig(), nil, nil)
	channel := fullChannel()

	for _, source := range models.AllSources() {
		p, err := factory(channel, source)
		require.NoError(t, err, "source %s", source)
		require.NotNil(t, p, "source %s", source)
		require.NoError(t, p.Close())
	}
}

func TestLiveFactory_UnconfiguredSourceIsSkipped(t *testing.T) {
	factory := NewLiveFactory(testConfig(), nil, nil)
	bare := models.Channel{Name: "bs-quiet"}

	for _, source := range models.AllSources() {
		_, err := factory(bare, source)
		assert.ErrorIs(t, err, comment.ErrSourceNotConfigured, "source %s", source)
	}
}

func TestLiveFactory_MissingCredentialsIsNotConfigured(t *testing.T) {
	cfg := DefaultConfig() // no bearer token
	factory := NewLiveFactory(cfg, nil, nil)

	_, err := factory(fullChannel(), models.SourceHashtag)
	assert.ErrorIs(t, err, comment.ErrSourceNotConfigured)
}

func TestTimeshiftFactory_BuildsArchiveSources(t *testing.T) {
	factory := NewTimeshiftFactory(testConfig(), nil, nil)
	channel := fullChannel()
	start := time.Now().Add(-time.Hour)
	end := time.Now()

	for _, source := range []models.CommentSource{models.SourceNicoLive, models.SourceBoard} {
		p, err := factory(channel, source, start, end)
		require.NoError(t, err, "source %s", source)
		require.NotNil(t, p, "source %s", source)
		require.NoError(t, p.Close())
	}
}

func TestTimeshiftFactory_HashtagHasNoArchive(t *testing.T) {
	factory := NewTimeshiftFactory(testConfig(), nil, nil)

	_, err := factory(fullChannel(), models.SourceHashtag, time.Now().Add(-time.Hour), time.Now())
	assert.ErrorIs(t, err, comment.ErrSourceNotConfigured)
}
