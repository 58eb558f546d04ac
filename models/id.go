package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// newID assigns a UUIDv7 primary key at create time. Generating in-process
// keeps inserts portable across drivers while keeping keys time-ordered.
func newID(id *uuid.UUID) error {
	if *id != uuid.Nil {
		return nil
	}
	v, err := uuid.NewV7()
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (u *User) BeforeCreate(*gorm.DB) error         { return newID(&u.ID) }
func (p *Property) BeforeCreate(*gorm.DB) error     { return newID(&p.ID) }
func (a *Auction) BeforeCreate(*gorm.DB) error      { return newID(&a.ID) }
func (b *Bid) BeforeCreate(*gorm.DB) error          { return newID(&b.ID) }
func (e *AuctionEvent) BeforeCreate(*gorm.DB) error { return newID(&e.ID) }
func (s *Settlement) BeforeCreate(*gorm.DB) error   { return newID(&s.ID) }
