package storage

import (
	"fmt"

	"github.com/tommyshellberg/unquest-core/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	ModeSQLite = "sqlite"
	ModeMemory = "memory"
)

// Open returns a *gorm.DB for the configured database mode. The engine is
// single-writer; the on-device store never sees multi-process contention.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Mode {
	case ModeSQLite:
		return open(cfg.Path)
	case ModeMemory:
		return open("file::memory:?cache=shared")
	default:
		return nil, fmt.Errorf("storage: unknown mode %q", cfg.Mode)
	}
}

func open(dsn string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}
