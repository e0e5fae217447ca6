package handlers

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/commentarr/internal/channels"
	"github.com/jmylchreest/commentarr/internal/models"
)

// ChannelHandler exposes the channel definition table over HTTP.
type ChannelHandler struct {
	store  *channels.Store
	logger *slog.Logger
}

// NewChannelHandler creates a channel handler.
func NewChannelHandler(store *channels.Store, logger *slog.Logger) *ChannelHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelHandler{
		store:  store,
		logger: logger.With(slog.String("component", "http.channels")),
	}
}

// ChannelResponse is one channel definition with its usable sources.
type ChannelResponse struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name,omitempty"`
	Sources     []string `json:"sources"`
}

// ListChannelsInput is the input for the channel list endpoint.
type ListChannelsInput struct{}

// ListChannelsOutput is the output for the channel list endpoint.
type ListChannelsOutput struct {
	Body struct {
		Channels []ChannelResponse `json:"channels"`
	}
}

// GetChannelInput is the input for the single channel endpoint.
type GetChannelInput struct {
	Name string `path:"name" doc:"Channel name"`
}

// GetChannelOutput is the output for the single channel endpoint.
type GetChannelOutput struct {
	Body ChannelResponse
}

// ReloadChannelsInput is the input for the definitions reload endpoint.
type ReloadChannelsInput struct{}

// ReloadChannelsOutput is the output for the definitions reload endpoint.
type ReloadChannelsOutput struct {
	Body struct {
		Channels int `json:"channels"`
	}
}

// Register registers the channel routes with the API.
func (h *ChannelHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listChannels",
		Method:      "GET",
		Path:        "/api/v1/channels",
		Summary:     "List channels",
		Description: "Returns every configured channel with the comment sources it supports",
		Tags:        []string{"Channels"},
	}, h.ListChannels)

	huma.Register(api, huma.Operation{
		OperationID: "getChannel",
		Method:      "GET",
		Path:        "/api/v1/channels/{name}",
		Summary:     "Get a channel",
		Tags:        []string{"Channels"},
	}, h.GetChannel)

	huma.Register(api, huma.Operation{
		OperationID: "reloadChannels",
		Method:      "POST",
		Path:        "/api/v1/channels/reload",
		Summary:     "Reload channel definitions",
		Description: "Re-reads the definitions file; the previous table is kept when the file is invalid",
		Tags:        []string{"Channels"},
	}, h.ReloadChannels)
}

// ListChannels returns every configured channel.
func (h *ChannelHandler) ListChannels(ctx context.Context, input *ListChannelsInput) (*ListChannelsOutput, error) {
	out := &ListChannelsOutput{}
	out.Body.Channels = []ChannelResponse{}
	for _, c := range h.store.All() {
		out.Body.Channels = append(out.Body.Channels, channelResponse(c))
	}
	return out, nil
}

// GetChannel returns one channel by name.
func (h *ChannelHandler) GetChannel(ctx context.Context, input *GetChannelInput) (*GetChannelOutput, error) {
	c, err := h.store.Lookup(input.Name)
	if err != nil {
		return nil, huma.Error404NotFound("channel not found")
	}
	return &GetChannelOutput{Body: channelResponse(c)}, nil
}

// ReloadChannels re-reads the definitions file.
func (h *ChannelHandler) ReloadChannels(ctx context.Context, input *ReloadChannelsInput) (*ReloadChannelsOutput, error) {
	if err := h.store.Reload(); err != nil {
		h.logger.Error("channel reload failed", slog.Any("error", err))
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}

	out := &ReloadChannelsOutput{}
	out.Body.Channels = h.store.Len()
	h.logger.Info("channel definitions reloaded", slog.Int("channels", out.Body.Channels))
	return out, nil
}

func channelResponse(c models.Channel) ChannelResponse {
	resp := ChannelResponse{
		Name:        c.Name,
		DisplayName: c.DisplayName,
		Sources:     []string{},
	}
	for _, source := range models.AllSources() {
		if c.SupportsSource(source) {
			resp.Sources = append(resp.Sources, source.String())
		}
	}
	return resp
}
