package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"netauth/pkg/config"
	"netauth/pkg/model"
)

// Open connects to MySQL and migrates the policy tables. The RADIUS tables
// belong to the FreeRADIUS schema and are not migrated here.
func Open(cfg *config.Config) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}
	db, err := gorm.Open(mysql.Open(cfg.DSN()), gcfg)
	if err != nil {
		// Try to create database if missing
		if !strings.Contains(err.Error(), "Unknown database") || cfg.MySQLDSN != "" {
			return nil, err
		}
		if cerr := createDatabase(cfg); cerr != nil {
			return nil, fmt.Errorf("create database failed: %w", cerr)
		}
		if db, err = gorm.Open(mysql.Open(cfg.DSN()), gcfg); err != nil {
			return nil, err
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the controller's tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Identity{},
		&model.AssignedRoute{},
		&model.SecurityRule{},
		&model.User{},
		&model.AuditEntry{},
	)
}

func createDatabase(cfg *config.Config) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/", cfg.MySQLUser, cfg.MySQLPassword, cfg.MySQLHost, cfg.MySQLPort)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", cfg.MySQLDB))
	return err
}
