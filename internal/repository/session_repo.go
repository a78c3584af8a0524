package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/SimonGino/video-processor/internal/models"
)

// sessionRepo implements StreamSessionRepository using GORM.
type sessionRepo struct {
	db *gorm.DB
}

// NewStreamSessionRepository creates a new StreamSessionRepository.
func NewStreamSessionRepository(db *gorm.DB) *sessionRepo {
	return &sessionRepo{db: db}
}

// Create creates a new stream session.
func (r *sessionRepo) Create(ctx context.Context, session *models.StreamSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("creating stream session: %w", err)
	}
	return nil
}

// GetByID retrieves a stream session by ID.
func (r *sessionRepo) GetByID(ctx context.Context, id models.ULID) (*models.StreamSession, error) {
	var session models.StreamSession
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting stream session by ID: %w", err)
	}
	return &session, nil
}

// GetLatestOpen retrieves the most recently started open session for a streamer.
func (r *sessionRepo) GetLatestOpen(ctx context.Context, streamerName string) (*models.StreamSession, error) {
	var session models.StreamSession
	if err := r.db.WithContext(ctx).
		Where("streamer_name = ? AND ended_at IS NULL", streamerName).
		Order("started_at DESC").
		First(&session).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting latest open session: %w", err)
	}
	return &session, nil
}

// GetClosedSince retrieves sessions for a streamer that ended at or after the
// given time, ordered by start time ascending. End-only sessions sort first
// because their start time is null.
func (r *sessionRepo) GetClosedSince(ctx context.Context, streamerName string, since time.Time) ([]*models.StreamSession, error) {
	var sessions []*models.StreamSession
	if err := r.db.WithContext(ctx).
		Where("streamer_name = ? AND ended_at >= ?", streamerName, since).
		Order("started_at ASC").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("getting closed sessions: %w", err)
	}
	return sessions, nil
}

// GetOpenOlderThan retrieves open sessions across all streamers that started
// before the given time.
func (r *sessionRepo) GetOpenOlderThan(ctx context.Context, olderThan time.Time) ([]*models.StreamSession, error) {
	var sessions []*models.StreamSession
	if err := r.db.WithContext(ctx).
		Where("ended_at IS NULL AND started_at < ?", olderThan).
		Order("started_at ASC").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("getting stale open sessions: %w", err)
	}
	return sessions, nil
}

// GetByStreamer retrieves sessions for a streamer with pagination, newest first.
func (r *sessionRepo) GetByStreamer(ctx context.Context, streamerName string, offset, limit int) ([]*models.StreamSession, int64, error) {
	var sessions []*models.StreamSession
	var total int64

	query := r.db.WithContext(ctx).Model(&models.StreamSession{}).Where("streamer_name = ?", streamerName)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting sessions: %w", err)
	}

	if err := query.Order("started_at DESC").Offset(offset).Limit(limit).Find(&sessions).Error; err != nil {
		return nil, 0, fmt.Errorf("getting sessions by streamer: %w", err)
	}

	return sessions, total, nil
}

// Update updates an existing stream session.
func (r *sessionRepo) Update(ctx context.Context, session *models.StreamSession) error {
	if err := r.db.WithContext(ctx).Save(session).Error; err != nil {
		return fmt.Errorf("updating stream session: %w", err)
	}
	return nil
}

// Delete deletes a stream session by ID.
func (r *sessionRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.StreamSession{}).Error; err != nil {
		return fmt.Errorf("deleting stream session: %w", err)
	}
	return nil
}

// Ensure sessionRepo implements StreamSessionRepository at compile time.
var _ StreamSessionRepository = (*sessionRepo)(nil)
