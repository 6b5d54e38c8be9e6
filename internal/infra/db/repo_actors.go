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

type ActorRepository struct {
	db *gorm.DB
}

func NewActorRepository(db *gorm.DB) *ActorRepository {
	return &ActorRepository{db: db}
}

func (r *ActorRepository) GetByKeyID(ctx context.Context, keyID string) (*domain.Actor, error) {
	return r.first(ctx, "key_id = ?", keyID)
}

func (r *ActorRepository) GetByURI(ctx context.Context, uri string) (*domain.Actor, error) {
	return r.first(ctx, "uri = ?", uri)
}

// GetByUsername narrows by origin: local origins only match local rows and
// federated origins only match remote ones.
func (r *ActorRepository) GetByUsername(ctx context.Context, username string, origin domain.EntityOrigin) (*domain.Actor, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	query := r.db.WithContext(ctx).
		Where("lower(username) = ? AND domain = ?", strings.ToLower(username), origin.Domain())
	switch origin.Kind() {
	case domain.OriginLocal:
		query = query.Where("local = ?", true)
	case domain.OriginFederated:
		query = query.Where("local = ?", false)
	}
	var model ActorModel
	if err := query.First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return actorFromModel(model), nil
}

func (r *ActorRepository) first(ctx context.Context, where string, arg string) (*domain.Actor, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model ActorModel
	err := r.db.WithContext(ctx).Where(where, arg).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return actorFromModel(model), nil
}

// Insert relies on the unique uri and key_id indexes; a concurrent insert
// of the same identity is a no-op.
func (r *ActorRepository) Insert(ctx context.Context, actor domain.Actor) (bool, error) {
	if r.db == nil {
		return false, errDBUnavailable
	}
	id := actor.ID
	if id == "" {
		generated, err := newUUID()
		if err != nil {
			return false, err
		}
		id = generated
	}
	now := time.Now().UTC()
	createdAt := actor.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	model := ActorModel{
		ID:            id,
		URI:           actor.URI,
		Username:      actor.Username,
		Domain:        strings.ToLower(actor.Domain),
		Protocol:      string(actor.Protocol),
		Local:         actor.Local,
		DisplayName:   actor.DisplayName,
		Summary:       actor.Summary,
		Inbox:         actor.Inbox,
		SharedInbox:   actor.SharedInbox,
		Outbox:        actor.Outbox,
		Followers:     actor.Followers,
		Following:     actor.Following,
		KeyID:         actor.Key.ID,
		KeyOwner:      actor.Key.Owner,
		PublicKeyPEM:  actor.Key.PEM,
		PrivateKeyPEM: optionalString(actor.PrivateKeyPEM),
		CreatedAt:     createdAt,
		UpdatedAt:     now,
	}
	if !actor.FetchedAt.IsZero() {
		fetchedAt := actor.FetchedAt
		model.FetchedAt = &fetchedAt
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ReplacePublicKey swaps the whole key; keys are never patched in place.
func (r *ActorRepository) ReplacePublicKey(ctx context.Context, actorURI string, key domain.ActorKey) error {
	return r.update(ctx, actorURI, map[string]any{
		"key_id":         key.ID,
		"key_owner":      key.Owner,
		"public_key_pem": key.PEM,
		"updated_at":     time.Now().UTC(),
	})
}

func (r *ActorRepository) UpdateProfile(ctx context.Context, actorURI string, profile domain.Profile, fetchedAt time.Time) error {
	updates := map[string]any{
		"display_name": profile.DisplayName,
		"summary":      profile.Summary,
		"outbox":       profile.Outbox,
		"followers":    profile.Followers,
		"following":    profile.Following,
		"shared_inbox": profile.SharedInbox,
		"updated_at":   time.Now().UTC(),
	}
	if !fetchedAt.IsZero() {
		updates["fetched_at"] = fetchedAt
	} else {
		updates["fetched_at"] = nil
	}
	return r.update(ctx, actorURI, updates)
}

func (r *ActorRepository) update(ctx context.Context, actorURI string, updates map[string]any) error {
	if r.db == nil {
		return errDBUnavailable
	}
	result := r.db.WithContext(ctx).Model(&ActorModel{}).Where("uri = ?", actorURI).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes the actor; follower rows go with it through the foreign
// key cascade.
func (r *ActorRepository) Delete(ctx context.Context, actorURI string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	result := r.db.WithContext(ctx).Where("uri = ?", actorURI).Delete(&ActorModel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *ActorRepository) WithTx(ctx context.Context, fn func(repo usecase.ActorRepository) error) error {
	if r.db == nil {
		return errDBUnavailable
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewActorRepository(tx))
	})
}

func actorFromModel(model ActorModel) *domain.Actor {
	actor := &domain.Actor{
		ID:          model.ID,
		URI:         model.URI,
		Username:    model.Username,
		Domain:      model.Domain,
		Protocol:    domain.Protocol(model.Protocol),
		Local:       model.Local,
		DisplayName: model.DisplayName,
		Summary:     model.Summary,
		Inbox:       model.Inbox,
		SharedInbox: model.SharedInbox,
		Outbox:      model.Outbox,
		Followers:   model.Followers,
		Following:   model.Following,
		Key: domain.ActorKey{
			ID:    model.KeyID,
			Owner: model.KeyOwner,
			PEM:   model.PublicKeyPEM,
		},
		PrivateKeyPEM: derefString(model.PrivateKeyPEM),
		CreatedAt:     model.CreatedAt,
		UpdatedAt:     model.UpdatedAt,
	}
	if model.FetchedAt != nil {
		actor.FetchedAt = *model.FetchedAt
	}
	return actor
}

var _ usecase.ActorRepository = (*ActorRepository)(nil)
