package store

import (
	"context"

	"outreach/models"
)

func (s *Store) GetContact(ctx context.Context, id uint) (models.Contact, error) {
	var c models.Contact
	if err := s.conn(ctx).First(&c, id).Error; err != nil {
		return models.Contact{}, notFound(err, "contact", id)
	}
	return c, nil
}

// SuppressContact sets the global suppression flags.
func (s *Store) SuppressContact(ctx context.Context, contactID uint, fields map[string]interface{}) error {
	return s.conn(ctx).Model(&models.Contact{}).Where("id = ?", contactID).Updates(fields).Error
}

func (s *Store) CreateBounce(ctx context.Context, b *models.Bounce) error {
	return s.conn(ctx).Create(b).Error
}

func (s *Store) CreateUnsubscribe(ctx context.Context, u *models.Unsubscribe) error {
	return s.conn(ctx).Create(u).Error
}
