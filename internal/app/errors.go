package app

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleState means the project moved while a transition was being applied.
	ErrStaleState = errors.New("project state changed concurrently")
	// ErrInvalidInput wraps request validation failures.
	ErrInvalidInput = errors.New("invalid input")
)

// TransitionDeniedError carries the first reason a transition was refused.
type TransitionDeniedError struct {
	From   string
	To     string
	Reason string
}

func (e TransitionDeniedError) Error() string {
	return fmt.Sprintf("transition %s -> %s denied: %s", e.From, e.To, e.Reason)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
