package model

import "time"

// AssignedRoute is a network an identity is authorized to reach.
type AssignedRoute struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	IdentityID  uint      `gorm:"index;not null" json:"identityId"`
	Route       string    `gorm:"size:32;not null" json:"route"`
	Description string    `gorm:"size:255" json:"description,omitempty"`
	Active      bool      `gorm:"not null" json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (AssignedRoute) TableName() string { return "vpn_identity_routes" }
