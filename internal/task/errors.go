package task

import (
	"errors"
	"fmt"
)

var (
	ErrNoPages        = errors.New("no pages provided")
	ErrInvalidPages   = errors.New("invalid pages")
	ErrTaskNotFound   = errors.New("task not found")
	ErrDuplicateTask  = errors.New("task already exists")
	ErrStreamTimeout  = errors.New("event stream timed out")
	ErrNoGenerator    = errors.New("no page generator configured")
	errEmptyArtifact  = errors.New("generator returned empty image")
	errInvalidTaskRef = errors.New("invalid artifact reference")
)

func newErrInvalidPage(index int, reason string) error {
	return fmt.Errorf("%w: page %d: %s", ErrInvalidPages, index, reason)
}
