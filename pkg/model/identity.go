package model

import "time"

// Identity is a VPN principal. Its IP scopes every filter rule installed for it.
type Identity struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;size:64;not null" json:"name"`
	FullName  string    `gorm:"size:128" json:"fullName,omitempty"`
	Email     string    `gorm:"size:128" json:"email,omitempty"`
	IPAddress *string   `gorm:"uniqueIndex;size:15" json:"ipAddress,omitempty"` // nil until allocated
	Active    bool      `gorm:"not null" json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Identity) TableName() string { return "vpn_identities" }

// IP returns the assigned address or "" when none is allocated.
func (i Identity) IP() string {
	if i.IPAddress == nil {
		return ""
	}
	return *i.IPAddress
}

// WithIP returns a copy of i carrying ip (an empty ip clears the assignment).
func (i Identity) WithIP(ip string) Identity {
	if ip == "" {
		i.IPAddress = nil
		return i
	}
	i.IPAddress = &ip
	return i
}
