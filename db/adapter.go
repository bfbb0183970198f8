package db

import (
	"fmt"
	"time"

	"github.com/kasuganosora/mailsystem/config"
	dbmysql "github.com/kasuganosora/mailsystem/db/mysql"
	dbpostgres "github.com/kasuganosora/mailsystem/db/postgres"
	dbsqlite "github.com/kasuganosora/mailsystem/db/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	ModeSQLite   = "sqlite"
	ModeMySQL    = "mysql"
	ModePostgres = "postgres"
)

// Open returns a *gorm.DB for the configured database mode.
// Timestamps are written in UTC so range predicates compare consistently
// across backends.
func Open(cfg config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:  NewLogger(log, cfg.SlowThreshold),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
	switch cfg.Mode {
	case ModeSQLite:
		return dbsqlite.Open(cfg.SQLitePath, gcfg)
	case ModeMySQL:
		return dbmysql.Open(cfg.MySQLDSN, cfg.MaxOpen, cfg.MaxIdle, cfg.MaxLife, gcfg)
	case ModePostgres:
		return dbpostgres.Open(cfg.PostgresDSN, cfg.MaxOpen, cfg.MaxIdle, cfg.MaxLife, gcfg)
	default:
		return nil, fmt.Errorf("db: unknown mode %q", cfg.Mode)
	}
}
