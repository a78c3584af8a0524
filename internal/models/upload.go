package models

import (
	"strings"

	"gorm.io/gorm"
)

// UploadedVideo records one file pushed to the target platform. The first
// upload of a session creates the parent video and later files are appended
// to it as parts; every row remembers which local file it came from so the
// upload task never sends the same file twice.
type UploadedVideo struct {
	BaseModel

	// BVID is the platform video identifier. It stays nil until the platform
	// finishes review and the back-fill task resolves it from the feed.
	BVID *string `gorm:"column:bvid;uniqueIndex;size:20" json:"bvid,omitempty"`

	// Title is the video or part title as submitted.
	Title string `gorm:"not null;size:255" json:"title"`

	// FirstPartFilename is the basename of the uploaded file.
	FirstPartFilename string `gorm:"not null;size:512;index" json:"first_part_filename"`

	// UploadTime orders parts within a session window. It carries the
	// recording timestamp parsed from the filename, not the wall-clock upload
	// moment, so part numbering follows recording order.
	UploadTime Time `gorm:"not null;index" json:"upload_time"`
}

// TableName returns the table name for UploadedVideo.
func (UploadedVideo) TableName() string {
	return "uploaded_videos"
}

// HasBVID returns true once the platform identifier is known.
func (v *UploadedVideo) HasBVID() bool {
	return v.BVID != nil && *v.BVID != ""
}

// SetBVID records the platform identifier.
func (v *UploadedVideo) SetBVID(bvid string) {
	v.BVID = &bvid
}

// Sanitize trims whitespace from user-visible fields.
func (v *UploadedVideo) Sanitize() {
	v.Title = strings.TrimSpace(v.Title)
	v.FirstPartFilename = strings.TrimSpace(v.FirstPartFilename)
}

// Validate performs basic validation on the upload record.
func (v *UploadedVideo) Validate() error {
	v.Sanitize()

	if v.Title == "" {
		return ErrTitleRequired
	}
	if v.FirstPartFilename == "" {
		return ErrFilenameRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the record and generates ULID.
func (v *UploadedVideo) BeforeCreate(tx *gorm.DB) error {
	if err := v.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return v.Validate()
}

// BeforeUpdate is a GORM hook that validates the record before update.
func (v *UploadedVideo) BeforeUpdate(tx *gorm.DB) error {
	return v.Validate()
}
