package model

import (
	"fmt"
	"time"
)

const (
	ProtocolTCP  = "tcp"
	ProtocolUDP  = "udp"
	ProtocolICMP = "icmp"
	ProtocolAny  = "any"

	ActionAccept = "ACCEPT"
	ActionDrop   = "DROP"
)

// Protocols lists the accepted rule protocols.
var Protocols = []string{ProtocolTCP, ProtocolUDP, ProtocolICMP, ProtocolAny}

// Actions lists the accepted terminal actions.
var Actions = []string{ActionAccept, ActionDrop}

// RuleStatus collapses the Active/Enabled flag pair.
type RuleStatus int

const (
	RuleDeleted RuleStatus = iota
	RuleDisabled
	RuleEnabled
)

func (s RuleStatus) String() string {
	switch s {
	case RuleEnabled:
		return "enabled"
	case RuleDisabled:
		return "disabled"
	default:
		return "deleted"
	}
}

// SecurityRule is a (network, protocol, port, action) statement scoped to one identity.
type SecurityRule struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	IdentityID  uint      `gorm:"index;not null" json:"identityId"`
	Target      string    `gorm:"size:32;not null" json:"target"`
	Protocol    string    `gorm:"size:8;not null" json:"protocol"`
	Port        string    `gorm:"size:20" json:"port,omitempty"`
	Action      string    `gorm:"size:8;not null" json:"action"`
	Description string    `gorm:"size:255" json:"description,omitempty"`
	Active      bool      `gorm:"index;not null" json:"active"` // false once soft-deleted
	Enabled     bool      `gorm:"not null" json:"enabled"`      // false while suspended
	Seq         int64     `gorm:"index;not null" json:"seq"`    // chain install order
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (SecurityRule) TableName() string { return "security_rules" }

// Status reports the rule lifecycle state. Only RuleEnabled rules are installed.
func (r SecurityRule) Status() RuleStatus {
	switch {
	case !r.Active:
		return RuleDeleted
	case !r.Enabled:
		return RuleDisabled
	default:
		return RuleEnabled
	}
}

// HasPortMatch reports whether the port participates in the filter entry.
func (r SecurityRule) HasPortMatch() bool {
	return r.Port != "" && (r.Protocol == ProtocolTCP || r.Protocol == ProtocolUDP)
}

func (r SecurityRule) String() string {
	port := r.Port
	if port == "" {
		port = "*"
	}
	return fmt.Sprintf("%s:%s -> %s %s", r.Protocol, port, r.Target, r.Action)
}
