package federation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"bayou/internal/domain"
)

// Versia entity types that map onto the activities the inbox handles.
const (
	versiaFollow   = "Follow"
	versiaUnfollow = "Unfollow"
	versiaDelete   = "Delete"
)

type rawActivity struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  json.RawMessage `json:"actor"`
	Object json.RawMessage `json:"object"`

	Author      string `json:"author"`
	Followee    string `json:"followee"`
	Deleted     string `json:"deleted"`
	DeletedType string `json:"deleted_type"`
}

type rawObject struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  json.RawMessage `json:"actor"`
	Object json.RawMessage `json:"object"`
}

// ParseActivity reads an inbound ActivityStreams activity or Versia entity.
// Actor and object references may be bare ids or embedded objects.
func ParseActivity(body []byte) (domain.Activity, error) {
	var raw rawActivity
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.Activity{}, fmt.Errorf("decode activity: %w", err)
	}
	if raw.Type == "" {
		return domain.Activity{}, errors.New("activity has no type")
	}
	if len(raw.Actor) == 0 && raw.Author != "" {
		return versiaActivity(raw)
	}

	actor, err := refID(raw.Actor)
	if err != nil {
		return domain.Activity{}, fmt.Errorf("actor: %w", err)
	}
	if actor == "" {
		return domain.Activity{}, errors.New("activity has no actor")
	}
	activity := domain.Activity{ID: raw.ID, Type: raw.Type, Actor: actor}
	if len(raw.Object) == 0 {
		return activity, nil
	}

	var id string
	if err := json.Unmarshal(raw.Object, &id); err == nil {
		activity.ObjectID = id
		return activity, nil
	}
	var object rawObject
	if err := json.Unmarshal(raw.Object, &object); err != nil {
		return domain.Activity{}, fmt.Errorf("object: %w", err)
	}
	activity.ObjectID = object.ID
	activity.ObjectType = object.Type
	if activity.ObjectActor, err = refID(object.Actor); err != nil {
		return domain.Activity{}, fmt.Errorf("object actor: %w", err)
	}
	if activity.ObjectTarget, err = refID(object.Object); err != nil {
		return domain.Activity{}, fmt.Errorf("object target: %w", err)
	}
	return activity, nil
}

func versiaActivity(raw rawActivity) (domain.Activity, error) {
	activity := domain.Activity{ID: raw.ID, Actor: raw.Author}
	switch raw.Type {
	case versiaFollow:
		activity.Type = domain.ActivityFollow
		activity.ObjectID = raw.Followee
	case versiaUnfollow:
		activity.Type = domain.ActivityUndo
		activity.ObjectType = domain.ActivityFollow
		activity.ObjectActor = raw.Author
		activity.ObjectTarget = raw.Followee
	case versiaDelete:
		activity.Type = domain.ActivityDelete
		activity.ObjectID = raw.Deleted
		activity.ObjectType = raw.DeletedType
	default:
		activity.Type = raw.Type
	}
	return activity, nil
}

func refID(raw json.RawMessage) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "", nil
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, nil
	}
	var object struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &object); err != nil {
		return "", err
	}
	return object.ID, nil
}
