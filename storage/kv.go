package storage

import (
	"context"
	"errors"

	"github.com/tommyshellberg/unquest-core/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// KV is the durable key-value capability the engine checkpoints through.
// Every key is independently readable and writable, surviving process
// restarts.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, keys ...string) error
}

// GormKV implements KV on top of StateEntry rows.
type GormKV struct {
	db *gorm.DB
}

// NewKV creates a KV store backed by the given database.
func NewKV(db *gorm.DB) *GormKV {
	return &GormKV{db: db}
}

func (s *GormKV) Get(ctx context.Context, key string) (string, error) {
	var entry model.StateEntry
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return entry.Value, nil
}

func (s *GormKV) Set(ctx context.Context, key, value string) error {
	entry := model.StateEntry{Key: key, Value: value}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
}

func (s *GormKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("key IN ?", keys).
		Delete(&model.StateEntry{}).Error
}
