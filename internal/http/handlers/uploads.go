package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/SimonGino/video-processor/internal/repository"
)

// UploadHandler handles uploaded video API endpoints.
type UploadHandler struct {
	uploads repository.UploadedVideoRepository
}

// NewUploadHandler creates a new upload handler.
func NewUploadHandler(uploads repository.UploadedVideoRepository) *UploadHandler {
	return &UploadHandler{
		uploads: uploads,
	}
}

// Register registers the upload routes with the API.
func (h *UploadHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listUploads",
		Method:      "GET",
		Path:        "/api/v1/uploads",
		Summary:     "List uploads",
		Description: "Returns uploaded videos, newest first",
		Tags:        []string{"Uploads"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "listUploadsMissingBvid",
		Method:      "GET",
		Path:        "/api/v1/uploads/missing-bvid",
		Summary:     "List uploads awaiting publication",
		Description: "Returns uploaded videos that have no bvid assigned yet",
		Tags:        []string{"Uploads"},
	}, h.ListMissingBVID)
}

// ListUploadsInput is the input for listing uploads.
type ListUploadsInput struct {
	Offset int `query:"offset" default:"0" minimum:"0" doc:"Offset for pagination"`
	Limit  int `query:"limit" default:"50" minimum:"1" maximum:"1000" doc:"Limit for pagination"`
}

// ListUploadsOutput is the output for listing uploads.
type ListUploadsOutput struct {
	Body struct {
		Videos     []UploadedVideoResponse `json:"videos"`
		Pagination PaginationMeta          `json:"pagination"`
	}
}

// List returns uploaded videos with pagination.
func (h *UploadHandler) List(ctx context.Context, input *ListUploadsInput) (*ListUploadsOutput, error) {
	videos, total, err := h.uploads.GetRecent(ctx, input.Offset, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list uploads", err)
	}

	resp := &ListUploadsOutput{}
	resp.Body.Videos = make([]UploadedVideoResponse, 0, len(videos))
	for _, v := range videos {
		resp.Body.Videos = append(resp.Body.Videos, UploadedVideoFromModel(v))
	}
	resp.Body.Pagination = paginationFor(input.Offset, input.Limit, total)

	return resp, nil
}

// ListUploadsMissingBVIDInput is the input for listing unpublished uploads.
type ListUploadsMissingBVIDInput struct{}

// ListUploadsMissingBVIDOutput is the output for listing unpublished uploads.
type ListUploadsMissingBVIDOutput struct {
	Body struct {
		Videos []UploadedVideoResponse `json:"videos"`
	}
}

// ListMissingBVID returns videos still waiting for the platform to assign
// a bvid. These are resolved by the upload task's back-fill pass once the
// platform review finishes.
func (h *UploadHandler) ListMissingBVID(ctx context.Context, input *ListUploadsMissingBVIDInput) (*ListUploadsMissingBVIDOutput, error) {
	videos, err := h.uploads.GetMissingBVID(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list uploads", err)
	}

	resp := &ListUploadsMissingBVIDOutput{}
	resp.Body.Videos = make([]UploadedVideoResponse, 0, len(videos))
	for _, v := range videos {
		resp.Body.Videos = append(resp.Body.Videos, UploadedVideoFromModel(v))
	}

	return resp, nil
}
