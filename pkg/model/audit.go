package model

import "time"

// AuditEntry captures an operation against the policy controller.
type AuditEntry struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Actor        string    `gorm:"size:64;index" json:"actor"`
	Action       string    `gorm:"size:128;not null" json:"action"`
	ResourceType string    `gorm:"size:64;index" json:"resourceType,omitempty"`
	ResourceID   uint      `json:"resourceId,omitempty"`
	Detail       string    `gorm:"type:text" json:"detail,omitempty"`
	IP           string    `gorm:"size:45" json:"ip,omitempty"`
	Timestamp    time.Time `gorm:"index" json:"timestamp"`
}

func (AuditEntry) TableName() string { return "audit_log" }
