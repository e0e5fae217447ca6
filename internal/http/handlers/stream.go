// Package handlers provides HTTP API handlers for commentarr.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/commentarr/internal/channels"
	"github.com/jmylchreest/commentarr/internal/comment"
	"github.com/jmylchreest/commentarr/internal/models"
)

// DefaultHeartbeatInterval is how often an idle SSE stream emits a
// keepalive comment.
const DefaultHeartbeatInterval = 15 * time.Second

// StreamHandler serves live comment streams over SSE.
type StreamHandler struct {
	channels          *channels.Store
	mux               *comment.Multiplexer
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// NewStreamHandler creates a live stream handler.
func NewStreamHandler(store *channels.Store, mux *comment.Multiplexer, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		channels:          store,
		mux:               mux,
		heartbeatInterval: DefaultHeartbeatInterval,
		logger:            logger.With(slog.String("component", "http.stream")),
	}
}

// WithHeartbeatInterval overrides the SSE keepalive interval.
func (h *StreamHandler) WithHeartbeatInterval(d time.Duration) *StreamHandler {
	if d > 0 {
		h.heartbeatInterval = d
	}
	return h
}

// RegisterSSE registers the raw SSE route. SSE cannot go through Huma
// because it needs direct control of flushing.
func (h *StreamHandler) RegisterSSE(router interface {
	Get(pattern string, handlerFn http.HandlerFunc)
}) {
	router.Get("/api/v1/comments/{channel}/stream", h.handleLiveStream)
}

// handleLiveStream streams interleaved live comments for one channel as SSE.
func (h *StreamHandler) handleLiveStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "channel")

	channel, err := h.channels.Lookup(name)
	if err != nil {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}

	sources, err := parseSources(r.URL.Query().Get("sources"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sub, err := h.mux.SubscribeLive(r.Context(), channel, sources)
	if err != nil {
		if errors.Is(err, comment.ErrNoProviders) {
			http.Error(w, "no comment sources available for channel", http.StatusNotFound)
			return
		}
		h.logger.Error("live subscribe failed",
			slog.String("channel", name),
			slog.Any("error", err))
		http.Error(w, "subscribing to channel", http.StatusBadGateway)
		return
	}
	defer sub.Close()

	writeSSEHeaders(w)

	rc := http.NewResponseController(w)
	ctx := r.Context()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	// Initial comment establishes the connection and triggers onopen in browsers.
	fmt.Fprintf(w, ":connected\n\n")
	if err := rc.Flush(); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				return
			}
		case c, ok := <-sub.Comments():
			if !ok {
				return
			}
			if err := writeSSEComment(w, rc, c); err != nil {
				return
			}
		}
	}
}

// parseSources converts a comma-separated sources parameter into source
// values. An empty parameter selects every known source.
func parseSources(param string) ([]models.CommentSource, error) {
	if param == "" {
		return models.AllSources(), nil
	}
	var sources []models.CommentSource
	for _, part := range splitAndTrim(param) {
		source, err := models.ParseCommentSource(part)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}
	return sources, nil
}

// writeSSEHeaders sets the response headers every SSE stream needs.
func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
}

// writeSSEComment writes one comment as an SSE event and flushes it.
func writeSSEComment(w http.ResponseWriter, rc *http.ResponseController, c models.Comment) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: comment\ndata: %s\n\n", data); err != nil {
		return err
	}
	return rc.Flush()
}
