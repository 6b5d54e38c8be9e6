package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bayou/internal/config"
	"bayou/internal/domain"
	"bayou/migrations"
)

type Store struct {
	DB *gorm.DB
}

// NewStore connects to postgres. Without a DSN the store runs in no-db mode
// and every repository reports errDBUnavailable.
func NewStore(cfg config.Config) (*Store, error) {
	if cfg.PostgresDSN == "" {
		logrus.Info("POSTGRES_DSN not set; starting in no-db mode")
		return &Store{DB: nil}, nil
	}

	gdb, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	return &Store{DB: gdb}, nil
}

func (s *Store) Available() bool {
	return s != nil && s.DB != nil
}

// Migrate applies embedded migrations that have not run yet.
func (s *Store) Migrate(ctx context.Context) error {
	if !s.Available() {
		return errDBUnavailable
	}
	all, err := migrations.All()
	if err != nil {
		return err
	}
	db := s.DB.WithContext(ctx)
	if err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`).Error; err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, migration := range all {
		err := db.Transaction(func(tx *gorm.DB) error {
			var count int64
			if err := tx.Table("schema_migrations").Where("name = ?", migration.Name).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return nil
			}
			if strings.TrimSpace(migration.SQL) != "" {
				if err := tx.Exec(migration.SQL).Error; err != nil {
					return err
				}
			}
			logrus.WithField("migration", migration.Name).Info("applied migration")
			return tx.Exec("INSERT INTO schema_migrations (name) VALUES (?)", migration.Name).Error
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", migration.Name, err)
		}
	}
	return nil
}

// Init registers primary as the primary authoritative instance.
func (s *Store) Init(ctx context.Context, primary string) error {
	if !s.Available() {
		return errDBUnavailable
	}
	model := InstanceModel{
		Domain:          strings.ToLower(primary),
		IsAuthoritative: true,
		IsPrimary:       true,
		Protocol:        string(domain.ProtocolActivityPub),
		CreatedAt:       time.Now().UTC(),
	}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}},
		DoUpdates: clause.Assignments(map[string]any{"is_authoritative": true, "is_primary": true, "blocked": false}),
	}).Create(&model).Error
}

func (s *Store) Actors() *ActorRepository {
	return NewActorRepository(s.DB)
}

func (s *Store) Instances() *InstanceRepository {
	return NewInstanceRepository(s.DB)
}

func (s *Store) InstanceActors() *InstanceActorRepository {
	return NewInstanceActorRepository(s.DB)
}

func (s *Store) Followers() *FollowerRepository {
	return NewFollowerRepository(s.DB)
}
