package db

import (
	"errors"

	"github.com/google/uuid"
)

var errDBUnavailable = errors.New("db unavailable")

func newUUID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func NewUUID() (string, error) {
	return newUUID()
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
