package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage handles all database operations using SQLite
type Storage struct {
	DB *gorm.DB
}

// Open initializes the SQLite database at path, creating its directory if
// needed.
func Open(path string) (*Storage, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
	}

	s, err := open(path)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	s.DB.Exec("PRAGMA journal_mode=WAL;")
	s.DB.Exec("PRAGMA synchronous=NORMAL;")
	s.DB.Exec("PRAGMA cache_size=10000;")
	return s, nil
}

// OpenMemory opens a private in-memory database. Used by tests and by
// deployments that do not want learned hints to survive a restart.
func OpenMemory() (*Storage, error) {
	s, err := open(":memory:")
	if err != nil {
		return nil, err
	}
	// Every pooled connection would otherwise get its own empty database.
	sqlDB, err := s.DB.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return s, nil
}

func open(dsn string) (*Storage, error) {
	// Glebarez driver: pure Go, no CGO
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&ServerHint{}, &AppSetting{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Storage{DB: db}, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint to ensure durability
func (s *Storage) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// ============= Server Hints =============

// SaveServerHint creates or updates the hint for hint.HostPort.
func (s *Storage) SaveServerHint(hint ServerHint) error {
	if hint.HostPort == "" {
		return errors.New("server hint without host_port")
	}
	if hint.UpdatedAt.IsZero() {
		hint.UpdatedAt = time.Now()
	}
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "host_port"}},
		DoUpdates: clause.AssignmentColumns([]string{"supports_priority", "updated_at"}),
	}).Create(&hint).Error
}

// ServerHints returns every stored hint ordered by host_port.
func (s *Storage) ServerHints() ([]ServerHint, error) {
	var hints []ServerHint
	err := s.DB.Order("host_port asc").Find(&hints).Error
	return hints, err
}

// DeleteServerHint removes the hint for hostPort. Deleting a missing hint is
// not an error.
func (s *Storage) DeleteServerHint(hostPort string) error {
	return s.DB.Delete(&ServerHint{}, "host_port = ?", hostPort).Error
}

// ============= App Settings =============

// GetString retrieves a string setting by key
func (s *Storage) GetString(key string) (string, error) {
	var setting AppSetting
	err := s.DB.First(&setting, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return setting.Value, err
}

// SetString stores a string setting
func (s *Storage) SetString(key, value string) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&AppSetting{Key: key, Value: value}).Error
}
