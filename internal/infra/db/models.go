package db

import "time"

type InstanceModel struct {
	Domain          string    `gorm:"primaryKey"`
	IsAuthoritative bool      `gorm:"not null"`
	IsPrimary       bool      `gorm:"not null"`
	Blocked         bool      `gorm:"not null"`
	Allowlisted     bool      `gorm:"not null"`
	Reason          string    `gorm:"not null"`
	Protocol        string    `gorm:"not null"`
	Software        string    `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
}

func (InstanceModel) TableName() string { return "instances" }

type InstanceActorModel struct {
	Algorithm     string    `gorm:"primaryKey"`
	PrivateKeyPEM string    `gorm:"column:private_key_pem;not null"`
	PublicKeyPEM  string    `gorm:"column:public_key_pem;not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (InstanceActorModel) TableName() string { return "instance_actors" }

type ActorModel struct {
	ID            string     `gorm:"type:uuid;primaryKey"`
	URI           string     `gorm:"column:uri;uniqueIndex;not null"`
	Username      string     `gorm:"not null"`
	Domain        string     `gorm:"index;not null"`
	Protocol      string     `gorm:"not null"`
	Local         bool       `gorm:"not null"`
	DisplayName   string     `gorm:"not null"`
	Summary       string     `gorm:"not null"`
	Inbox         string     `gorm:"not null"`
	SharedInbox   string     `gorm:"not null"`
	Outbox        string     `gorm:"not null"`
	Followers     string     `gorm:"not null"`
	Following     string     `gorm:"not null"`
	KeyID         string     `gorm:"column:key_id;uniqueIndex;not null"`
	KeyOwner      string     `gorm:"not null"`
	PublicKeyPEM  string     `gorm:"column:public_key_pem;not null"`
	PrivateKeyPEM *string    `gorm:"column:private_key_pem"`
	FetchedAt     *time.Time `gorm:"column:fetched_at"`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

func (ActorModel) TableName() string { return "actors" }

type FollowerModel struct {
	ID          string    `gorm:"type:uuid;primaryKey"`
	ActorURI    string    `gorm:"column:actor_uri;not null"`
	FollowerURI string    `gorm:"column:follower_uri;not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (FollowerModel) TableName() string { return "followers" }
