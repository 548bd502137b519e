// Package radius mirrors identity addressing and status into the FreeRADIUS
// radreply/radcheck tables so the VPN server hands out the assigned IP and
// routes and refuses deactivated identities.
package radius

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const (
	AttrFramedIP    = "Framed-IP-Address"
	AttrFramedRoute = "Framed-Route"
	AttrAuthType    = "Auth-Type"

	AuthTypeReject = "Reject"
)

// RadCheck is a row of the FreeRADIUS radcheck table.
type RadCheck struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"size:64;not null;index"`
	Attribute string `gorm:"size:64;not null"`
	Op        string `gorm:"size:2;not null"`
	Value     string `gorm:"size:253;not null"`
}

func (RadCheck) TableName() string { return "radcheck" }

// RadReply is a row of the FreeRADIUS radreply table.
type RadReply struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"size:64;not null;index"`
	Attribute string `gorm:"size:64;not null"`
	Op        string `gorm:"size:2;not null"`
	Value     string `gorm:"size:253;not null"`
}

func (RadReply) TableName() string { return "radreply" }

// Publisher pushes identity state to the authentication backend.
type Publisher interface {
	SetIP(ctx context.Context, username, ip string) error
	SyncRoutes(ctx context.Context, username string, routes []string) error
	SetAccountStatus(ctx context.Context, username string, enabled bool) error
	RemoveUser(ctx context.Context, username string) error
}

// Nop is used when RADIUS sync is disabled.
type Nop struct{}

func (Nop) SetIP(context.Context, string, string) error          { return nil }
func (Nop) SyncRoutes(context.Context, string, []string) error   { return nil }
func (Nop) SetAccountStatus(context.Context, string, bool) error { return nil }
func (Nop) RemoveUser(context.Context, string) error             { return nil }

// GormPublisher writes to the RADIUS tables through gorm.
type GormPublisher struct {
	db *gorm.DB
	// AuthType is written for enabled accounts.
	AuthType string
	log      zerolog.Logger
}

func NewGormPublisher(db *gorm.DB, logger zerolog.Logger) *GormPublisher {
	return &GormPublisher{
		db:       db,
		AuthType: "LDAP",
		log:      logger.With().Str("component", "radius").Logger(),
	}
}

// SetIP sets or updates the identity's Framed-IP-Address.
func (p *GormPublisher) SetIP(ctx context.Context, username, ip string) error {
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row RadReply
		err := tx.Where("username = ? AND attribute = ?", username, AttrFramedIP).First(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&RadReply{Username: username, Attribute: AttrFramedIP, Op: ":=", Value: ip}).Error
		case err != nil:
			return err
		}
		return tx.Model(&row).Update("value", ip).Error
	})
	if err != nil {
		return fmt.Errorf("set %s for %s: %w", AttrFramedIP, username, err)
	}
	p.log.Info().Str("identity", username).Str("ip", ip).Msg("framed ip published")
	return nil
}

// SyncRoutes makes the identity's Framed-Route rows match routes exactly.
func (p *GormPublisher) SyncRoutes(ctx context.Context, username string, routes []string) error {
	want := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		want[r] = struct{}{}
	}
	added, removed := 0, 0
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []RadReply
		if err := tx.Where("username = ? AND attribute = ?", username, AttrFramedRoute).Find(&existing).Error; err != nil {
			return err
		}
		have := make(map[string]struct{}, len(existing))
		for _, row := range existing {
			if _, ok := want[row.Value]; !ok {
				if err := tx.Delete(&row).Error; err != nil {
					return err
				}
				removed++
				continue
			}
			have[row.Value] = struct{}{}
		}
		for _, r := range routes {
			if _, ok := have[r]; ok {
				continue
			}
			if err := tx.Create(&RadReply{Username: username, Attribute: AttrFramedRoute, Op: "+=", Value: r}).Error; err != nil {
				return err
			}
			have[r] = struct{}{}
			added++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sync routes for %s: %w", username, err)
	}
	p.log.Info().Str("identity", username).Int("added", added).Int("removed", removed).Msg("framed routes synced")
	return nil
}

// SetAccountStatus writes Auth-Type: the configured AuthType when enabled,
// Reject otherwise.
func (p *GormPublisher) SetAccountStatus(ctx context.Context, username string, enabled bool) error {
	value := AuthTypeReject
	if enabled {
		value = p.AuthType
	}
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row RadCheck
		err := tx.Where("username = ? AND attribute = ?", username, AttrAuthType).First(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&RadCheck{Username: username, Attribute: AttrAuthType, Op: ":=", Value: value}).Error
		case err != nil:
			return err
		}
		return tx.Model(&row).Update("value", value).Error
	})
	if err != nil {
		return fmt.Errorf("set %s for %s: %w", AttrAuthType, username, err)
	}
	p.log.Info().Str("identity", username).Str("auth_type", value).Msg("account status published")
	return nil
}

// RemoveUser deletes every reply attribute of the identity.
func (p *GormPublisher) RemoveUser(ctx context.Context, username string) error {
	if err := p.db.WithContext(ctx).Where("username = ?", username).Delete(&RadReply{}).Error; err != nil {
		return fmt.Errorf("remove radius entries for %s: %w", username, err)
	}
	return nil
}
