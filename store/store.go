// Package store is the gorm/postgres persistence behind the engine. Writes
// touch only the columns the engine owns.
package store

import (
	"context"
	"errors"
	"fmt"

	"outreach/models"

	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is the optimistic version mismatch on enrollments.
	ErrConflict = models.ErrStaleEnrollment
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func notFound(err error, what string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("load %s %d: %w", what, id, err)
}

// AutoMigrate creates or updates the engine tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Sender{},
		&models.WarmupSchedule{},
		&models.WarmupStage{},
		&models.Contact{},
		&models.Campaign{},
		&models.CampaignSender{},
		&models.Step{},
		&models.Enrollment{},
		&models.DeliveryEvent{},
		&models.Unsubscribe{},
		&models.Bounce{},
	)
}
