package migrations

import (
	"gorm.io/gorm"

	"github.com/SimonGino/video-processor/internal/models"
)

// AllMigrations returns all registered migrations in order.
// - 001: Schema creation using GORM AutoMigrate
// - 002: Scheduler job queue tables
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
		migration002JobQueue(),
	}
}

// migration001Schema creates the recording bookkeeping tables.
func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create stream session and uploaded video tables",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&models.StreamSession{},
				&models.UploadedVideo{},
			)
		},
		Down: func(tx *gorm.DB) error {
			// Drop in reverse creation order.
			tables := []string{
				"uploaded_videos",
				"stream_sessions",
			}
			for _, table := range tables {
				if err := tx.Migrator().DropTable(table); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// migration002JobQueue creates the persistent job queue used by the scheduler.
// Jobs reference streamers by name rather than foreign key because streamers
// are defined in configuration, not the database.
func migration002JobQueue() Migration {
	return Migration{
		Version:     "002",
		Description: "Create scheduler job queue tables",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&models.Job{},
				&models.JobHistory{},
			)
		},
		Down: func(tx *gorm.DB) error {
			tables := []string{
				"job_history",
				"jobs",
			}
			for _, table := range tables {
				if err := tx.Migrator().DropTable(table); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
