package actor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/globaltaxcalc/edge-gateway/internal/config"
)

// ActorState is the row layout of the Postgres state backend.
type ActorState struct {
	Namespace string     `gorm:"primaryKey;size:64"`
	Key       string     `gorm:"column:actor_key;primaryKey;size:512"`
	State     []byte     `gorm:"not null"`
	ExpiresAt *time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (ActorState) TableName() string { return "edge_actor_states" }

// OpenPostgres connects gorm to Postgres with the configured pool limits.
func OpenPostgres(cfg config.PostgresConfig) (*gorm.DB, error) {
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// GormStateStore persists actor state in the edge_actor_states table.
type GormStateStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStateStore(db *gorm.DB) *GormStateStore {
	return &GormStateStore{db: db, now: time.Now}
}

// AutoMigrate creates or updates the state table.
func (s *GormStateStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&ActorState{})
}

func (s *GormStateStore) Load(ctx context.Context, namespace, key string) ([]byte, error) {
	var row ActorState
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND actor_key = ?", namespace, key).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("load actor state %s/%s: %w", namespace, key, err)
	}
	if row.ExpiresAt != nil && !s.now().Before(*row.ExpiresAt) {
		return nil, ErrNoState
	}
	return row.State, nil
}

func (s *GormStateStore) Save(ctx context.Context, namespace, key string, state []byte, ttl time.Duration) error {
	row := ActorState{
		Namespace: namespace,
		Key:       key,
		State:     state,
		UpdatedAt: s.now(),
	}
	if ttl > 0 {
		expiresAt := s.now().Add(ttl)
		row.ExpiresAt = &expiresAt
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "actor_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "expires_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save actor state %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *GormStateStore) Delete(ctx context.Context, namespace, key string) error {
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND actor_key = ?", namespace, key).
		Delete(&ActorState{}).Error
	if err != nil {
		return fmt.Errorf("delete actor state %s/%s: %w", namespace, key, err)
	}
	return nil
}

// PurgeExpired removes rows whose ttl elapsed. The runtime calls it from its sweep loop.
func (s *GormStateStore) PurgeExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", s.now()).
		Delete(&ActorState{})
	return result.RowsAffected, result.Error
}
