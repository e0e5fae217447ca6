package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/commentarr/internal/comment"
	"github.com/jmylchreest/commentarr/internal/transcode"
)

// StatsHandler aggregates runtime statistics from the comment core and the
// transcode cache.
type StatsHandler struct {
	mux      *comment.Multiplexer
	sessions *comment.SessionRegistry
	cache    *transcode.Cache
}

// NewStatsHandler creates a stats handler.
func NewStatsHandler(mux *comment.Multiplexer, sessions *comment.SessionRegistry, cache *transcode.Cache) *StatsHandler {
	return &StatsHandler{
		mux:      mux,
		sessions: sessions,
		cache:    cache,
	}
}

// StatsResponse is the body of the stats endpoint.
type StatsResponse struct {
	Live      comment.MultiplexerStats `json:"live"`
	Timeshift []comment.SessionStats   `json:"timeshift"`
	Transcode transcode.CacheStats     `json:"transcode"`
}

// StatsInput is the input for the stats endpoint.
type StatsInput struct{}

// StatsOutput is the output for the stats endpoint.
type StatsOutput struct {
	Body StatsResponse
}

// Register registers the stats route with the API.
func (h *StatsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStats",
		Method:      "GET",
		Path:        "/api/v1/stats",
		Summary:     "Runtime statistics",
		Description: "Returns live subscription, timeshift session, and transcode session statistics",
		Tags:        []string{"System"},
	}, h.GetStats)
}

// GetStats returns a snapshot of all runtime statistics.
func (h *StatsHandler) GetStats(ctx context.Context, input *StatsInput) (*StatsOutput, error) {
	out := &StatsOutput{
		Body: StatsResponse{
			Live:      h.mux.Stats(),
			Timeshift: h.sessions.Stats(),
			Transcode: h.cache.Stats(),
		},
	}
	if out.Body.Live.Entries == nil {
		out.Body.Live.Entries = []comment.EntryStats{}
	}
	if out.Body.Timeshift == nil {
		out.Body.Timeshift = []comment.SessionStats{}
	}
	if out.Body.Transcode.Sessions == nil {
		out.Body.Transcode.Sessions = []transcode.SessionStats{}
	}
	return out, nil
}
