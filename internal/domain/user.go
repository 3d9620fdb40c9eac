// Package domain contains entities and value types without transport or lifecycle logic.
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen      = 36
	MaxDisplayNameLen = 64
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrUnknownRole        = errors.New("unknown role")
)

type UserID string

type Role string

const (
	RoleInterviewer Role = "interviewer"
	RoleCandidate   Role = "candidate"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleInterviewer, RoleCandidate:
		return Role(s), nil
	}
	return "", ErrUnknownRole
}

// User is the identity a participant connects with.
type User struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"displayName"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
// An empty id gets a fresh uuid.
func NewUser(id UserID, displayName string) (*User, error) {
	if err := validateDisplayName(displayName); err != nil {
		return nil, err
	}
	if id == "" {
		id = UserID(uuid.NewString())
	}
	if len(id) > MaxUserIDLen {
		id = id[:MaxUserIDLen]
	}
	return &User{ID: id, DisplayName: displayName}, nil
}

func (u *User) SetDisplayName(name string) error {
	if err := validateDisplayName(name); err != nil {
		return err
	}
	u.DisplayName = name
	return nil
}

func validateDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	return nil
}
