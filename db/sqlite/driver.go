package sqlite

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Open creates a GORM *DB backed by SQLite.
// SQLite serialises writers, so the pool is pinned to a single connection;
// callers queue on the pool instead of failing with "database is locked".
func Open(path string, gcfg *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), gcfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	return db, nil
}
