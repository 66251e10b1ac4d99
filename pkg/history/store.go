package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/gamelaunchercloud/glc/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 20

// ErrNotFound is returned when no record exists for a build id.
var ErrNotFound = errors.New("upload record not found")

// Store persists upload records.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Upsert creates or updates the record with the same AppBuildID.
	Upsert(ctx context.Context, record *Record) error
	Get(ctx context.Context, appBuildID int64) (*Record, error)
	// List returns the most recently updated records first.
	List(ctx context.Context, limit int) ([]Record, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.HistoryConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.HistoryConfig) Store {
	return &store{
		log: log.WithField("component", "history"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(&Record{}); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Debug("History database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *store) Upsert(ctx context.Context, record *Record) error {
	if record.AppBuildID <= 0 {
		return errors.New("record has no build id")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Record

		err := tx.Where("app_build_id = ?", record.AppBuildID).First(&existing).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(record).Error; err != nil {
				return fmt.Errorf("creating upload record: %w", err)
			}
		case err != nil:
			return fmt.Errorf("finding upload record: %w", err)
		default:
			record.ID = existing.ID
			record.CreatedAt = existing.CreatedAt

			if err := tx.Save(record).Error; err != nil {
				return fmt.Errorf("updating upload record: %w", err)
			}
		}

		return nil
	})
}

func (s *store) Get(ctx context.Context, appBuildID int64) (*Record, error) {
	var record Record

	err := s.db.WithContext(ctx).
		Where("app_build_id = ?", appBuildID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("build %d: %w", appBuildID, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("getting upload record: %w", err)
	}

	return &record, nil
}

func (s *store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var records []Record
	if err := s.db.WithContext(ctx).
		Order("updated_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing upload records: %w", err)
	}

	return records, nil
}
