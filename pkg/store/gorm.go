package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"netauth/pkg/model"
)

// GormStore persists policy in MySQL through gorm. The handle must be opened
// with TranslateError so unique violations surface as ErrConflict.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (g *GormStore) Ping() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", what, ErrConflict)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

func (g *GormStore) CreateIdentity(i model.Identity) (model.Identity, error) {
	err := g.db.Transaction(func(tx *gorm.DB) error {
		if err := checkIdentityUnique(tx, i); err != nil {
			return err
		}
		return translate(tx.Create(&i).Error, "identity "+i.Name)
	})
	return i, err
}

// checkIdentityUnique reports name and IP clashes before the unique indexes do.
func checkIdentityUnique(tx *gorm.DB, i model.Identity) error {
	var n int64
	if err := tx.Model(&model.Identity{}).Where("name = ? AND id <> ?", i.Name, i.ID).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("identity %s: %w", i.Name, ErrConflict)
	}
	if ip := i.IP(); ip != "" {
		if err := tx.Model(&model.Identity{}).Where("ip_address = ? AND id <> ?", ip, i.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("ip %s already assigned: %w", ip, ErrConflict)
		}
	}
	return nil
}

func (g *GormStore) GetIdentity(id uint) (model.Identity, error) {
	var i model.Identity
	err := g.db.First(&i, id).Error
	return i, translate(err, fmt.Sprintf("identity %d", id))
}

func (g *GormStore) GetIdentityByName(name string) (model.Identity, error) {
	var i model.Identity
	err := g.db.Where("name = ?", name).First(&i).Error
	return i, translate(err, "identity "+name)
}

func (g *GormStore) ListIdentities() ([]model.Identity, error) {
	var out []model.Identity
	err := g.db.Order("name").Find(&out).Error
	return out, translate(err, "list identities")
}

func (g *GormStore) UpdateIdentity(i model.Identity) (model.Identity, error) {
	cur, err := g.GetIdentity(i.ID)
	if err != nil {
		return model.Identity{}, err
	}
	i.CreatedAt = cur.CreatedAt
	err = g.db.Transaction(func(tx *gorm.DB) error {
		if err := checkIdentityUnique(tx, i); err != nil {
			return err
		}
		return translate(tx.Save(&i).Error, "identity "+i.Name)
	})
	return i, err
}

func (g *GormStore) AllocatedIPs() ([]string, error) {
	var ips []string
	err := g.db.Model(&model.Identity{}).Where("ip_address IS NOT NULL").Order("ip_address").Pluck("ip_address", &ips).Error
	return ips, translate(err, "allocated ips")
}

func (g *GormStore) AddRoute(r model.AssignedRoute) (model.AssignedRoute, error) {
	err := g.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&model.Identity{}, r.IdentityID).Error; err != nil {
			return translate(err, fmt.Sprintf("identity %d", r.IdentityID))
		}
		var n int64
		if err := tx.Model(&model.AssignedRoute{}).
			Where("identity_id = ? AND route = ? AND active = ?", r.IdentityID, r.Route, true).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("route %s: %w", r.Route, ErrConflict)
		}
		r.Active = true
		return tx.Create(&r).Error
	})
	return r, err
}

func (g *GormStore) GetRoute(id uint) (model.AssignedRoute, error) {
	var r model.AssignedRoute
	err := g.db.First(&r, id).Error
	return r, translate(err, fmt.Sprintf("route %d", id))
}

func (g *GormStore) DeactivateRoute(id uint) error {
	res := g.db.Model(&model.AssignedRoute{}).Where("id = ?", id).Update("active", false)
	if res.Error != nil {
		return translate(res.Error, fmt.Sprintf("route %d", id))
	}
	if res.RowsAffected == 0 {
		if _, err := g.GetRoute(id); err != nil {
			return err
		}
	}
	return nil
}

func (g *GormStore) ListRoutes(identityID uint) ([]model.AssignedRoute, error) {
	var out []model.AssignedRoute
	err := g.db.Where("identity_id = ?", identityID).Order("id").Find(&out).Error
	return out, translate(err, "list routes")
}

func (g *GormStore) ActiveRoutes(identityID uint) ([]model.AssignedRoute, error) {
	var out []model.AssignedRoute
	err := g.db.Where("identity_id = ? AND active = ?", identityID, true).Order("id").Find(&out).Error
	return out, translate(err, "active routes")
}

func (g *GormStore) AddRule(r model.SecurityRule) (model.SecurityRule, error) {
	err := g.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&model.Identity{}, r.IdentityID).Error; err != nil {
			return translate(err, fmt.Sprintf("identity %d", r.IdentityID))
		}
		var last int64
		if err := tx.Model(&model.SecurityRule{}).Select("COALESCE(MAX(seq), 0)").Scan(&last).Error; err != nil {
			return err
		}
		r.Seq = last + 1
		return tx.Create(&r).Error
	})
	return r, err
}

func (g *GormStore) GetRule(id uint) (model.SecurityRule, error) {
	var r model.SecurityRule
	err := g.db.First(&r, id).Error
	return r, translate(err, fmt.Sprintf("rule %d", id))
}

func (g *GormStore) UpdateRule(r model.SecurityRule) (model.SecurityRule, error) {
	cur, err := g.GetRule(r.ID)
	if err != nil {
		return model.SecurityRule{}, err
	}
	r.IdentityID = cur.IdentityID
	r.Seq = cur.Seq
	r.CreatedAt = cur.CreatedAt
	err = g.db.Save(&r).Error
	return r, translate(err, fmt.Sprintf("rule %d", r.ID))
}

func (g *GormStore) ListRules(identityID uint) ([]model.SecurityRule, error) {
	var out []model.SecurityRule
	err := g.db.Where("identity_id = ? AND active = ?", identityID, true).Order("seq, id").Find(&out).Error
	return out, translate(err, "list rules")
}

func (g *GormStore) ActiveRules(identityID uint) ([]model.SecurityRule, error) {
	var out []model.SecurityRule
	err := g.db.Where("identity_id = ? AND active = ? AND enabled = ?", identityID, true, true).Order("seq, id").Find(&out).Error
	return out, translate(err, "active rules")
}

func (g *GormStore) CreateUser(u model.User) (model.User, error) {
	err := g.db.Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.User{}).Where("username = ?", u.Username).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("user %s: %w", u.Username, ErrConflict)
		}
		return translate(tx.Create(&u).Error, "user "+u.Username)
	})
	return u, err
}

func (g *GormStore) GetUserByUsername(username string) (model.User, error) {
	var u model.User
	err := g.db.Where("username = ?", username).First(&u).Error
	return u, translate(err, "user "+username)
}

func (g *GormStore) UpdateUser(u model.User) (model.User, error) {
	err := g.db.Save(&u).Error
	return u, translate(err, "user "+u.Username)
}

func (g *GormStore) CountUsers() (int64, error) {
	var n int64
	err := g.db.Model(&model.User{}).Count(&n).Error
	return n, translate(err, "count users")
}

func (g *GormStore) AppendAudit(e model.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return translate(g.db.Create(&e).Error, "audit")
}

// ListAudit returns the newest entries first.
func (g *GormStore) ListAudit(limit int) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	q := g.db.Order("timestamp desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, translate(err, "list audit")
}
