package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bayou/internal/domain"
	"bayou/internal/usecase"
)

type InstanceRepository struct {
	db *gorm.DB
}

func NewInstanceRepository(db *gorm.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

func (r *InstanceRepository) Get(ctx context.Context, host string) (*domain.Instance, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model InstanceModel
	err := r.db.WithContext(ctx).First(&model, "domain = ?", strings.ToLower(host)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return instanceFromModel(model), nil
}

func (r *InstanceRepository) IsAuthoritative(ctx context.Context, host string) (bool, error) {
	inst, err := r.Get(ctx, host)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inst.IsAuthoritative, nil
}

func (r *InstanceRepository) Upsert(ctx context.Context, inst domain.Instance) (*domain.Instance, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	createdAt := inst.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	model := InstanceModel{
		Domain:      strings.ToLower(inst.Domain),
		Allowlisted: inst.Allowlisted,
		Protocol:    string(inst.Protocol),
		Software:    inst.Software,
		CreatedAt:   createdAt,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}},
		DoUpdates: clause.AssignmentColumns([]string{"protocol", "software"}),
	}).Create(&model).Error
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, model.Domain)
}

// Block marks host as blocked, registering it when unknown.
func (r *InstanceRepository) Block(ctx context.Context, host, reason string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	model := InstanceModel{
		Domain:    strings.ToLower(host),
		Blocked:   true,
		Reason:    reason,
		Protocol:  string(domain.ProtocolActivityPub),
		CreatedAt: time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}},
		DoUpdates: clause.Assignments(map[string]any{"blocked": true, "reason": reason}),
	}).Create(&model).Error
}

// Allowlist exempts host from suffix denial, registering it when unknown.
func (r *InstanceRepository) Allowlist(ctx context.Context, host string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	model := InstanceModel{
		Domain:      strings.ToLower(host),
		Allowlisted: true,
		Protocol:    string(domain.ProtocolActivityPub),
		CreatedAt:   time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}},
		DoUpdates: clause.Assignments(map[string]any{"allowlisted": true}),
	}).Create(&model).Error
}

func (r *InstanceRepository) List(ctx context.Context) ([]domain.Instance, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []InstanceModel
	if err := r.db.WithContext(ctx).Order("domain ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Instance, 0, len(models))
	for _, model := range models {
		out = append(out, *instanceFromModel(model))
	}
	return out, nil
}

func instanceFromModel(model InstanceModel) *domain.Instance {
	return &domain.Instance{
		Domain:          model.Domain,
		IsAuthoritative: model.IsAuthoritative,
		IsPrimary:       model.IsPrimary,
		Blocked:         model.Blocked,
		Allowlisted:     model.Allowlisted,
		Reason:          model.Reason,
		Protocol:        domain.Protocol(model.Protocol),
		Software:        model.Software,
		CreatedAt:       model.CreatedAt,
	}
}

var _ usecase.InstanceRepository = (*InstanceRepository)(nil)
