package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/SimonGino/video-processor/internal/models"
)

// uploadRepo implements UploadedVideoRepository using GORM.
type uploadRepo struct {
	db *gorm.DB
}

// NewUploadedVideoRepository creates a new UploadedVideoRepository.
func NewUploadedVideoRepository(db *gorm.DB) *uploadRepo {
	return &uploadRepo{db: db}
}

// Create creates a new uploaded video record.
func (r *uploadRepo) Create(ctx context.Context, video *models.UploadedVideo) error {
	if err := r.db.WithContext(ctx).Create(video).Error; err != nil {
		return fmt.Errorf("creating uploaded video: %w", err)
	}
	return nil
}

// GetByID retrieves an uploaded video by ID.
func (r *uploadRepo) GetByID(ctx context.Context, id models.ULID) (*models.UploadedVideo, error) {
	var video models.UploadedVideo
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&video).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting uploaded video by ID: %w", err)
	}
	return &video, nil
}

// GetByBVID retrieves an uploaded video by its bvid.
func (r *uploadRepo) GetByBVID(ctx context.Context, bvid string) (*models.UploadedVideo, error) {
	var video models.UploadedVideo
	if err := r.db.WithContext(ctx).Where("bvid = ?", bvid).First(&video).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting uploaded video by bvid: %w", err)
	}
	return &video, nil
}

// GetByTitle retrieves an uploaded video by exact title match.
func (r *uploadRepo) GetByTitle(ctx context.Context, title string) (*models.UploadedVideo, error) {
	var video models.UploadedVideo
	if err := r.db.WithContext(ctx).Where("title = ?", title).First(&video).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting uploaded video by title: %w", err)
	}
	return &video, nil
}

// GetByFilename retrieves an uploaded video by the basename of its file.
func (r *uploadRepo) GetByFilename(ctx context.Context, filename string) (*models.UploadedVideo, error) {
	var video models.UploadedVideo
	if err := r.db.WithContext(ctx).Where("first_part_filename = ?", filename).First(&video).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting uploaded video by filename: %w", err)
	}
	return &video, nil
}

// GetInWindow retrieves videos whose upload time falls inside the inclusive
// [start, end] window, ordered by upload time ascending.
func (r *uploadRepo) GetInWindow(ctx context.Context, start, end time.Time) ([]*models.UploadedVideo, error) {
	var videos []*models.UploadedVideo
	if err := r.db.WithContext(ctx).
		Where("upload_time >= ? AND upload_time <= ?", start, end).
		Order("upload_time ASC").
		Find(&videos).Error; err != nil {
		return nil, fmt.Errorf("getting uploaded videos in window: %w", err)
	}
	return videos, nil
}

// CountInWindow returns the number of videos whose upload time falls inside
// the inclusive [start, end] window.
func (r *uploadRepo) CountInWindow(ctx context.Context, start, end time.Time) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.UploadedVideo{}).
		Where("upload_time >= ? AND upload_time <= ?", start, end).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting uploaded videos in window: %w", err)
	}
	return count, nil
}

// GetMissingBVID retrieves videos that have no bvid assigned yet, oldest first.
func (r *uploadRepo) GetMissingBVID(ctx context.Context) ([]*models.UploadedVideo, error) {
	var videos []*models.UploadedVideo
	if err := r.db.WithContext(ctx).
		Where("bvid IS NULL OR bvid = ''").
		Order("upload_time ASC").
		Find(&videos).Error; err != nil {
		return nil, fmt.Errorf("getting uploaded videos missing bvid: %w", err)
	}
	return videos, nil
}

// GetRecent retrieves uploaded videos with pagination, newest first.
func (r *uploadRepo) GetRecent(ctx context.Context, offset, limit int) ([]*models.UploadedVideo, int64, error) {
	var videos []*models.UploadedVideo
	var total int64

	query := r.db.WithContext(ctx).Model(&models.UploadedVideo{})

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting uploaded videos: %w", err)
	}

	if err := query.Order("upload_time DESC").Offset(offset).Limit(limit).Find(&videos).Error; err != nil {
		return nil, 0, fmt.Errorf("getting recent uploaded videos: %w", err)
	}

	return videos, total, nil
}

// Update updates an existing uploaded video record.
func (r *uploadRepo) Update(ctx context.Context, video *models.UploadedVideo) error {
	if err := r.db.WithContext(ctx).Save(video).Error; err != nil {
		return fmt.Errorf("updating uploaded video: %w", err)
	}
	return nil
}

// Delete deletes an uploaded video record by ID.
func (r *uploadRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.UploadedVideo{}).Error; err != nil {
		return fmt.Errorf("deleting uploaded video: %w", err)
	}
	return nil
}

// Ensure uploadRepo implements UploadedVideoRepository at compile time.
var _ UploadedVideoRepository = (*uploadRepo)(nil)
