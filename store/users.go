package store

import (
	"context"

	"outreach/models"
)

func (s *Store) GetUser(ctx context.Context, id uint) (models.User, error) {
	var u models.User
	if err := s.conn(ctx).First(&u, id).Error; err != nil {
		return models.User{}, notFound(err, "user", id)
	}
	return u, nil
}
