package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PropertyStatus tracks what a listing is currently doing.
type PropertyStatus string

const (
	PropertyListed   PropertyStatus = "listed"
	PropertyAuction  PropertyStatus = "auction"
	PropertySold     PropertyStatus = "sold"
	PropertyArchived PropertyStatus = "archived"
)

// Property is the subject of an auction. Search and rich listing data are
// owned by the external listing collaborator; this is the minimal record
// auctions need to reference.
type Property struct {
	gorm.Model

	ID           uuid.UUID      `gorm:"type:uuid;primaryKey"`
	OwnerID      uuid.UUID      `gorm:"type:uuid;not null;<-:create"`
	Title        string         `gorm:"type:varchar(255);not null"`
	Description  string         `gorm:"type:text;not null"`
	City         string         `gorm:"type:varchar(128);not null"`
	PropertyType string         `gorm:"type:varchar(64);not null"`
	Status       PropertyStatus `gorm:"type:varchar(20);not null;default:'listed'"`

	Owner *User `gorm:"foreignKey:OwnerID"`
}
