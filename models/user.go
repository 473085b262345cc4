package models

import (
	"gorm.io/gorm"
)

// User is an operator account. Campaigns, senders and contacts belong to a
// user; admins may act on any of them.
type User struct {
	gorm.Model

	Email string  `gorm:"uniqueIndex;not null" json:"email"`
	Name  *string `json:"name,omitempty"`

	// Account status
	IsActive bool `gorm:"default:true" json:"is_active"`
	IsAdmin  bool `gorm:"default:false" json:"is_admin"`

	// Bumped to revoke every token issued before it
	TokenVersion int `gorm:"default:0" json:"-"`

	Senders   []Sender   `gorm:"foreignKey:UserID" json:"senders,omitempty"`
	Campaigns []Campaign `gorm:"foreignKey:UserID" json:"campaigns,omitempty"`
}

// Owns reports whether the user may act on a record owned by ownerID.
func (u *User) Owns(ownerID uint) bool {
	return u.IsAdmin || u.ID == ownerID
}
