package domain

import "time"

// Shop is a tenant of the platform and the holder of a credit balance.
// Shops are created during onboarding elsewhere; this service only reads
// them and increments Credits.
type Shop struct {
	ID        string    `json:"id" gorm:"primaryKey;size:255"`
	Name      string    `json:"name" gorm:"type:text;not null"`
	Credits   int64     `json:"credits" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (Shop) TableName() string { return "shops" }
