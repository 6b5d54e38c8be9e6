package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bayou/internal/domain"
	"bayou/internal/usecase"
)

type InstanceActorRepository struct {
	db *gorm.DB
}

func NewInstanceActorRepository(db *gorm.DB) *InstanceActorRepository {
	return &InstanceActorRepository{db: db}
}

func (r *InstanceActorRepository) Get(ctx context.Context, alg domain.Algorithm) (*domain.InstanceActor, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model InstanceActorModel
	err := r.db.WithContext(ctx).First(&model, "algorithm = ?", alg.String()).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	parsed, err := domain.ParseAlgorithm(model.Algorithm)
	if err != nil {
		return nil, err
	}
	return &domain.InstanceActor{
		Algorithm:     parsed,
		PrivateKeyPEM: model.PrivateKeyPEM,
		PublicKeyPEM:  model.PublicKeyPEM,
		CreatedAt:     model.CreatedAt,
	}, nil
}

// Create never overwrites: the first stored pair for an algorithm wins.
func (r *InstanceActorRepository) Create(ctx context.Context, actor domain.InstanceActor) (bool, error) {
	if r.db == nil {
		return false, errDBUnavailable
	}
	createdAt := actor.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	model := InstanceActorModel{
		Algorithm:     actor.Algorithm.String(),
		PrivateKeyPEM: actor.PrivateKeyPEM,
		PublicKeyPEM:  actor.PublicKeyPEM,
		CreatedAt:     createdAt,
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

var _ usecase.InstanceActorRepository = (*InstanceActorRepository)(nil)
