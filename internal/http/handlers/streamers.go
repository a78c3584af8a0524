package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/SimonGino/video-processor/internal/config"
	"github.com/SimonGino/video-processor/internal/recording"
)

// RecordingService reports the recording state of the running coordinators.
type RecordingService interface {
	Snapshots() []recording.Snapshot
}

// StreamerHandler handles streamer API endpoints.
type StreamerHandler struct {
	streamers []config.StreamerConfig
	service   RecordingService
}

// NewStreamerHandler creates a new streamer handler.
func NewStreamerHandler(streamers []config.StreamerConfig, service RecordingService) *StreamerHandler {
	return &StreamerHandler{
		streamers: streamers,
		service:   service,
	}
}

// Register registers the streamer routes with the API.
func (h *StreamerHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listStreamers",
		Method:      "GET",
		Path:        "/api/v1/streamers",
		Summary:     "List streamers",
		Description: "Returns all configured streamers with their recording state",
		Tags:        []string{"Streamers"},
	}, h.List)
}

// ListStreamersInput is the input for listing streamers.
type ListStreamersInput struct{}

// ListStreamersOutput is the output for listing streamers.
type ListStreamersOutput struct {
	Body struct {
		Streamers []StreamerResponse `json:"streamers"`
	}
}

// List merges configured streamers with their coordinator snapshots.
// Disabled streamers appear without recording state since no coordinator
// runs for them.
func (h *StreamerHandler) List(ctx context.Context, input *ListStreamersInput) (*ListStreamersOutput, error) {
	byName := make(map[string]recording.Snapshot)
	if h.service != nil {
		for _, snap := range h.service.Snapshots() {
			byName[snap.Streamer] = snap
		}
	}

	resp := &ListStreamersOutput{}
	resp.Body.Streamers = make([]StreamerResponse, 0, len(h.streamers))
	for _, sc := range h.streamers {
		sr := StreamerResponse{
			Name:    sc.Name,
			RoomID:  sc.RoomID,
			Enabled: sc.IsEnabled(),
		}
		if snap, ok := byName[sc.Name]; ok {
			sr.State = snap.State
			sr.Live = snap.Live
			sr.SegmentBase = snap.SegmentBase
			sr.SegmentStart = snap.SegmentStart
			sr.Segments = snap.Segments
		}
		resp.Body.Streamers = append(resp.Body.Streamers, sr)
	}

	return resp, nil
}
