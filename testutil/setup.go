package testutil

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tommyshellberg/unquest-core/cache"
	"github.com/tommyshellberg/unquest-core/config"
	"github.com/tommyshellberg/unquest-core/model"
	"github.com/tommyshellberg/unquest-core/storage"
	"gorm.io/gorm"
)

// SetupTestDB creates an in-memory SQLite database and runs AutoMigrate.
// Each call gets its own database, so tests can run in parallel.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(config.DatabaseConfig{
		Mode: storage.ModeSQLite,
		Path: fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	return db
}

// SetupTestCache creates LocalCache and LocalPubSub (no Redis required).
func SetupTestCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	cfg := cache.Config{} // empty RedisAddr → LocalCache
	c, err := cache.NewCache(cfg)
	require.NoError(t, err, "SetupTestCache: NewCache")
	ps, err := cache.NewPubSub(cfg)
	require.NoError(t, err, "SetupTestCache: NewPubSub")
	return c, ps
}
