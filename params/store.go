// Package params stores named context parameters: small key/value pairs
// with a description that tune the running application.
package params

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound   = errors.New("parameter not found")
	ErrInvalidKey = errors.New("parameter key cannot be empty")
)

type Parameter struct {
	Key         string    `gorm:"primaryKey;size:255" json:"key"`
	Value       string    `gorm:"type:text" json:"value"`
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Parameter) TableName() string {
	return "context_parameters"
}

type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema. Use ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// Every pooled connection would get its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return NewStore(db)
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Parameter{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key string) (*Parameter, error) {
	var p Parameter
	if err := s.db.WithContext(ctx).First(&p, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find parameter: %w", err)
	}
	return &p, nil
}

// Value returns the parameter's value, or fallback when it is unset or the
// lookup fails.
func (s *Store) Value(ctx context.Context, key, fallback string) string {
	p, err := s.Get(ctx, key)
	if err != nil {
		return fallback
	}
	return p.Value
}

// Set creates or replaces the parameter.
func (s *Store) Set(ctx context.Context, p *Parameter) error {
	p.Key = strings.TrimSpace(p.Key)
	if p.Key == "" {
		return ErrInvalidKey
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "description", "updated_at"}),
	}).Create(p).Error
	if err != nil {
		return fmt.Errorf("failed to save parameter: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	result := s.db.WithContext(ctx).Delete(&Parameter{}, "key = ?", key)
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to delete parameter: %w", err)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]Parameter, error) {
	var list []Parameter
	if err := s.db.WithContext(ctx).Order("key").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list parameters: %w", err)
	}
	return list, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
