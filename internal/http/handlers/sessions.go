package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/SimonGino/video-processor/internal/repository"
)

// SessionHandler handles stream session API endpoints.
type SessionHandler struct {
	sessions repository.StreamSessionRepository
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(sessions repository.StreamSessionRepository) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
	}
}

// Register registers the session routes with the API.
func (h *SessionHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listSessionsByStreamer",
		Method:      "GET",
		Path:        "/api/v1/sessions/{streamer}",
		Summary:     "List sessions",
		Description: "Returns the stream sessions of a streamer, newest first",
		Tags:        []string{"Sessions"},
	}, h.ListByStreamer)
}

// ListSessionsInput is the input for listing sessions.
type ListSessionsInput struct {
	Streamer string `path:"streamer" doc:"Streamer name"`
	Offset   int    `query:"offset" default:"0" minimum:"0" doc:"Offset for pagination"`
	Limit    int    `query:"limit" default:"20" minimum:"1" maximum:"500" doc:"Limit for pagination"`
}

// ListSessionsOutput is the output for listing sessions.
type ListSessionsOutput struct {
	Body struct {
		Sessions   []SessionResponse `json:"sessions"`
		Pagination PaginationMeta    `json:"pagination"`
	}
}

// ListByStreamer returns the sessions of one streamer with pagination.
func (h *SessionHandler) ListByStreamer(ctx context.Context, input *ListSessionsInput) (*ListSessionsOutput, error) {
	sessions, total, err := h.sessions.GetByStreamer(ctx, input.Streamer, input.Offset, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list sessions", err)
	}

	resp := &ListSessionsOutput{}
	resp.Body.Sessions = make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp.Body.Sessions = append(resp.Body.Sessions, SessionFromModel(s))
	}
	resp.Body.Pagination = paginationFor(input.Offset, input.Limit, total)

	return resp, nil
}
