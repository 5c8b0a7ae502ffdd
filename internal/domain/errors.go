package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotFound        = errors.New("not found")
	ErrInvalidCursor   = errors.New("invalid cursor")

	ErrEmptyMessage   = fmt.Errorf("%w: text, media or post required", ErrValidation)
	ErrSelfMessage    = fmt.Errorf("%w: cannot message yourself", ErrValidation)
	ErrMessageTooLong = fmt.Errorf("%w: message too long", ErrValidation)
	ErrPostNotFound   = fmt.Errorf("%w: shared post not found", ErrValidation)
)
