package token

import (
	"errors"
	"fmt"
)

var (
	ErrInvalid       = errors.New("token invalid")
	ErrExpired       = errors.New("token expired")
	ErrRevoked       = errors.New("token revoked")
	ErrReuseDetected = errors.New("refresh token reuse detected")
	ErrUnavailable   = errors.New("token store unavailable")
)

// ReuseError reports a replayed refresh token and the family it belonged to.
// The family is already revoked when this error is returned.
type ReuseError struct {
	FamilyID  string
	UserID    string
	SessionID string
}

func (e *ReuseError) Error() string {
	return fmt.Sprintf("refresh token reuse detected for family %s", e.FamilyID)
}

func (e *ReuseError) Is(target error) bool { return target == ErrReuseDetected }
