package database

import (
	"fmt"

	"github.com/web-casa/proxyfleet/internal/model"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Models lists every table the service owns, in migration order
func Models() []interface{} {
	return []interface{}{
		&model.Site{},
		&model.Upstream{},
		&model.LoadBalancer{},
		&model.Certificate{},
		&model.AuditLog{},
	}
}

// Init opens the SQLite database and runs auto-migration
func Init(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql handle: %w", err)
	}
	sqlDB.Exec("PRAGMA journal_mode=WAL")
	sqlDB.Exec("PRAGMA foreign_keys=ON")
	sqlDB.Exec("PRAGMA busy_timeout=5000")

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return db, nil
}
