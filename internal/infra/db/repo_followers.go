package db

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bayou/internal/domain"
	"bayou/internal/usecase"
)

type FollowerRepository struct {
	db *gorm.DB
}

func NewFollowerRepository(db *gorm.DB) *FollowerRepository {
	return &FollowerRepository{db: db}
}

type followerEndpointRow struct {
	URI         string
	Domain      string
	Inbox       string
	SharedInbox string
	Protocol    string
}

func (r *FollowerRepository) ListFollowerEndpoints(ctx context.Context, actorURI string) ([]domain.FollowerEndpoint, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var rows []followerEndpointRow
	err := r.db.WithContext(ctx).
		Table("followers AS f").
		Select("a.uri, a.domain, a.inbox, a.shared_inbox, a.protocol").
		Joins("JOIN actors a ON a.uri = f.follower_uri").
		Where("f.actor_uri = ?", actorURI).
		Order("a.uri ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.FollowerEndpoint, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.FollowerEndpoint{
			ActorURI:    row.URI,
			Domain:      row.Domain,
			Inbox:       row.Inbox,
			SharedInbox: row.SharedInbox,
			Protocol:    domain.Protocol(row.Protocol),
		})
	}
	return out, nil
}

func (r *FollowerRepository) AddFollower(ctx context.Context, actorURI, followerURI string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&ActorModel{}).Where("uri IN ?", []string{actorURI, followerURI}).Count(&count).Error; err != nil {
			return err
		}
		if count != 2 && !(actorURI == followerURI && count == 1) {
			return domain.ErrNotFound
		}
		id, err := newUUID()
		if err != nil {
			return err
		}
		model := FollowerModel{
			ID:          id,
			ActorURI:    actorURI,
			FollowerURI: followerURI,
			CreatedAt:   time.Now().UTC(),
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
	})
}

func (r *FollowerRepository) RemoveFollower(ctx context.Context, actorURI, followerURI string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	return r.db.WithContext(ctx).
		Where("actor_uri = ? AND follower_uri = ?", actorURI, followerURI).
		Delete(&FollowerModel{}).Error
}

var _ usecase.FollowerRepository = (*FollowerRepository)(nil)
