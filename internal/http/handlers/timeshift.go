package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/commentarr/internal/channels"
	"github.com/jmylchreest/commentarr/internal/comment"
)

// TimeshiftHandler serves timeshift playback sessions: an SSE comment
// stream per viewer plus control endpoints keyed by session ID.
type TimeshiftHandler struct {
	channels          *channels.Store
	factory           comment.TimeshiftFactory
	sessions          *comment.SessionRegistry
	config            comment.SessionConfig
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// NewTimeshiftHandler creates a timeshift handler.
func NewTimeshiftHandler(store *channels.Store, factory comment.TimeshiftFactory, registry *comment.SessionRegistry, config comment.SessionConfig, logger *slog.Logger) *TimeshiftHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeshiftHandler{
		channels:          store,
		factory:           factory,
		sessions:          registry,
		config:            config,
		heartbeatInterval: DefaultHeartbeatInterval,
		logger:            logger.With(slog.String("component", "http.timeshift")),
	}
}

// WithHeartbeatInterval overrides the SSE keepalive interval.
func (h *TimeshiftHandler) WithHeartbeatInterval(d time.Duration) *TimeshiftHandler {
	if d > 0 {
		h.heartbeatInterval = d
	}
	return h
}

// ControlInput is the input for the session control endpoint.
type ControlInput struct {
	SessionID string `path:"id" doc:"Timeshift session ID"`
	Body      struct {
		Action  string  `json:"action" enum:"ready,resume,pause,sync" doc:"Playback control action"`
		Seconds float64 `json:"seconds,omitempty" doc:"Replay position in seconds; used by sync"`
	}
}

// ControlOutput is the output for the session control endpoint.
type ControlOutput struct {
	Body struct {
		Applied bool `json:"applied"`
	}
}

// ListSessionsInput is the input for the session list endpoint.
type ListSessionsInput struct{}

// ListSessionsOutput is the output for the session list endpoint.
type ListSessionsOutput struct {
	Body struct {
		Sessions []comment.SessionStats `json:"sessions"`
	}
}

// Register registers the control-plane routes with the API.
func (h *TimeshiftHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listTimeshiftSessions",
		Method:      "GET",
		Path:        "/api/v1/timeshift/sessions",
		Summary:     "List timeshift sessions",
		Description: "Returns every open timeshift playback session",
		Tags:        []string{"Timeshift"},
	}, h.ListSessions)

	huma.Register(api, huma.Operation{
		OperationID: "controlTimeshiftSession",
		Method:      "POST",
		Path:        "/api/v1/timeshift/sessions/{id}/control",
		Summary:     "Control timeshift playback",
		Description: "Applies a ready, resume, pause, or sync command to an open session",
		Tags:        []string{"Timeshift"},
	}, h.ControlSession)
}

// RegisterSSE registers the raw SSE stream route.
func (h *TimeshiftHandler) RegisterSSE(router interface {
	Get(pattern string, handlerFn http.HandlerFunc)
}) {
	router.Get("/api/v1/timeshift/{channel}/stream", h.handleTimeshiftStream)
}

// ListSessions returns every open timeshift session.
func (h *TimeshiftHandler) ListSessions(ctx context.Context, input *ListSessionsInput) (*ListSessionsOutput, error) {
	out := &ListSessionsOutput{}
	out.Body.Sessions = h.sessions.Stats()
	if out.Body.Sessions == nil {
		out.Body.Sessions = []comment.SessionStats{}
	}
	return out, nil
}

// ControlSession applies a playback control command to an open session.
func (h *TimeshiftHandler) ControlSession(ctx context.Context, input *ControlInput) (*ControlOutput, error) {
	session, ok := h.sessions.Get(input.SessionID)
	if !ok {
		return nil, huma.Error404NotFound("session not found")
	}

	cmd := comment.Control{
		Action:  comment.ControlAction(input.Body.Action),
		Seconds: input.Body.Seconds,
	}
	if err := session.Apply(ctx, cmd); err != nil {
		if errors.Is(err, comment.ErrSessionClosed) {
			return nil, huma.Error410Gone("session closed")
		}
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}

	out := &ControlOutput{}
	out.Body.Applied = true
	return out, nil
}

// handleTimeshiftStream opens a playback session for the requested time
// range and streams its comments as SSE. The session ID is announced as the
// first event so the client can drive the control endpoint; playback starts
// paused until the client sends ready.
func (h *TimeshiftHandler) handleTimeshiftStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "channel")

	channel, err := h.channels.Lookup(name)
	if err != nil {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}

	query := r.URL.Query()
	startAt, err := time.Parse(time.RFC3339, query.Get("start"))
	if err != nil {
		http.Error(w, "invalid or missing start time (RFC 3339)", http.StatusBadRequest)
		return
	}
	endAt, err := time.Parse(time.RFC3339, query.Get("end"))
	if err != nil {
		http.Error(w, "invalid or missing end time (RFC 3339)", http.StatusBadRequest)
		return
	}
	if !endAt.After(startAt) {
		http.Error(w, "end must be after start", http.StatusBadRequest)
		return
	}

	sources, err := parseSources(query.Get("sources"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	session, err := comment.OpenTimeshift(r.Context(), h.config, h.factory, channel, sources, startAt, endAt, h.logger)
	if err != nil {
		if errors.Is(err, comment.ErrNoProviders) {
			http.Error(w, "no timeshift sources available for channel", http.StatusNotFound)
			return
		}
		h.logger.Error("opening timeshift session failed",
			slog.String("channel", name),
			slog.Any("error", err))
		http.Error(w, "opening timeshift session", http.StatusBadGateway)
		return
	}
	h.sessions.Add(session)
	defer func() {
		h.sessions.Remove(session.ID)
		session.Close()
	}()

	writeSSEHeaders(w)

	rc := http.NewResponseController(w)
	ctx := r.Context()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	// Announce the session first; the client needs the ID for control calls.
	fmt.Fprintf(w, "event: session\ndata: {\"id\":%q}\n\n", session.ID)
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
		case c, ok := <-session.Comments():
			if !ok {
				return
			}
			if err := writeSSEComment(w, rc, c); err != nil {
				return
			}
		}
	}
}
