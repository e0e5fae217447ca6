package handlers

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/commentarr/internal/transcode"
)

// TranscodeHandler exposes the transcode session cache over HTTP.
type TranscodeHandler struct {
	cache  *transcode.Cache
	logger *slog.Logger
}

// NewTranscodeHandler creates a transcode handler.
func NewTranscodeHandler(cache *transcode.Cache, logger *slog.Logger) *TranscodeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TranscodeHandler{
		cache:  cache,
		logger: logger.With(slog.String("component", "http.transcode")),
	}
}

// AcquireSessionInput is the input for the session acquire endpoint.
type AcquireSessionInput struct {
	Body struct {
		Service string `json:"service" minLength:"1" doc:"Upstream service identifier"`
		Preset  string `json:"preset" enum:"1080p,720p,540p,360p" doc:"Encoding preset"`
	}
}

// AcquireSessionOutput is the output for the session acquire endpoint.
type AcquireSessionOutput struct {
	Body struct {
		OutputPath string `json:"output_path" doc:"HLS playlist path served by the shared transcoder"`
	}
}

// ListTranscodeSessionsInput is the input for the session list endpoint.
type ListTranscodeSessionsInput struct{}

// ListTranscodeSessionsOutput is the output for the session list endpoint.
type ListTranscodeSessionsOutput struct {
	Body transcode.CacheStats
}

// Register registers the transcode routes with the API.
func (h *TranscodeHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "acquireTranscodeSession",
		Method:      "POST",
		Path:        "/api/v1/transcode/sessions",
		Summary:     "Acquire a transcode session",
		Description: "Returns the output path of the shared transcoder for the service and preset, starting one if none is live",
		Tags:        []string{"Transcode"},
	}, h.AcquireSession)

	huma.Register(api, huma.Operation{
		OperationID: "listTranscodeSessions",
		Method:      "GET",
		Path:        "/api/v1/transcode/sessions",
		Summary:     "List transcode sessions",
		Description: "Returns every live transcode session with process details",
		Tags:        []string{"Transcode"},
	}, h.ListSessions)
}

// AcquireSession returns the shared transcoder output for a service and
// preset, starting a process when no live session exists.
func (h *TranscodeHandler) AcquireSession(ctx context.Context, input *AcquireSessionInput) (*AcquireSessionOutput, error) {
	outputPath, err := h.cache.Acquire(ctx, input.Body.Service, input.Body.Preset)
	if err != nil {
		h.logger.Error("transcode acquire failed",
			slog.String("service", input.Body.Service),
			slog.String("preset", input.Body.Preset),
			slog.Any("error", err))
		return nil, huma.Error502BadGateway("starting transcoder", err)
	}

	out := &AcquireSessionOutput{}
	out.Body.OutputPath = outputPath
	return out, nil
}

// ListSessions returns a snapshot of the live session table.
func (h *TranscodeHandler) ListSessions(ctx context.Context, input *ListTranscodeSessionsInput) (*ListTranscodeSessionsOutput, error) {
	stats := h.cache.Stats()
	if stats.Sessions == nil {
		stats.Sessions = []transcode.SessionStats{}
	}
	return &ListTranscodeSessionsOutput{Body: stats}, nil
}
