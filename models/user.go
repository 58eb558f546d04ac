package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is an account that can list properties and bid on auctions.
// Identity verification itself lives with the external SSO collaborator;
// only the opaque id and display name are kept here.
type User struct {
	gorm.Model

	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username string    `gorm:"type:varchar(255);not null;<-:create"`
}
