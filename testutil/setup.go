package testutil

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/kasuganosora/mailsystem/cache"
	"github.com/kasuganosora/mailsystem/config"
	dbadapter "github.com/kasuganosora/mailsystem/db"
	"github.com/kasuganosora/mailsystem/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SetupTestDB creates a private in-memory SQLite database and runs AutoMigrate.
// It requires no external services and is safe to use in parallel tests.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := dbadapter.Open(config.DatabaseConfig{
		Mode:       dbadapter.ModeSQLite,
		SQLitePath: fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	}, zap.NewNop())
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// SetupTestCache creates LocalCache and LocalPubSub (no Redis required).
func SetupTestCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	cfg := cache.CacheConfig{} // empty RedisAddr → LocalCache
	c, err := cache.NewCache(cfg)
	require.NoError(t, err, "SetupTestCache: NewCache")
	ps, err := cache.NewPubSub(cfg)
	require.NoError(t, err, "SetupTestCache: NewPubSub")
	return c, ps
}

// CreateCharacter inserts a character with the given gold and returns its ID.
func CreateCharacter(t *testing.T, db *gorm.DB, name string, gold int64) int64 {
	t.Helper()
	acc := &model.Account{Username: "acc_" + name, PasswordHash: "x", Status: model.AccountNormal}
	require.NoError(t, db.Create(acc).Error)
	char := &model.Character{AccountID: acc.ID, Name: name, Gold: gold}
	require.NoError(t, db.Create(char).Error)
	return char.ID
}

// Gold returns the current wallet balance of a character.
func Gold(t *testing.T, db *gorm.DB, charID int64) int64 {
	t.Helper()
	var char model.Character
	require.NoError(t, db.First(&char, charID).Error)
	return char.Gold
}
