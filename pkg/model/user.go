package model

import (
	"slices"
	"time"
)

const (
	RoleAdministrator = "Administrator"
	RoleOperator      = "Operator"
	RoleViewer        = "Viewer"
	RoleAuditor       = "Auditor"
)

// Roles lists every operator role.
var Roles = []string{RoleAdministrator, RoleOperator, RoleViewer, RoleAuditor}

// User is a web operator of the controller (not a VPN identity).
type User struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Username     string     `gorm:"uniqueIndex;size:64" json:"username"`
	PasswordHash string     `json:"-"`
	Role         string     `gorm:"size:16;not null" json:"role"`
	Active       bool       `gorm:"not null" json:"active"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastLogin    *time.Time `json:"lastLogin,omitempty"`
}

func (User) TableName() string { return "webui_users" }

// HasRole reports whether the user holds any of roles.
func (u User) HasRole(roles ...string) bool {
	return slices.Contains(roles, u.Role)
}
