package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidParticipant  = errors.New("invalid participant")
	ErrInsufficientMembers = errors.New("group chat needs at least 3 participants")
	ErrGroupFull           = errors.New("group chat is full")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrAlreadyMember       = errors.New("user is already a participant")
	ErrNotAMember          = errors.New("user is not a participant")
	ErrInternal            = errors.New("internal error")
)

func invalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func notFound(what string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, what)
}

func forbidden(reason string) error {
	return fmt.Errorf("%w: %s", ErrForbidden, reason)
}

func internal(err error) error {
	return fmt.Errorf("%w: %v", ErrInternal, err)
}
