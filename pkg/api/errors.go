package api

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRunNotFound      = errors.New("run not found")
	ErrStepNotFound     = errors.New("step not found")
	ErrStoryNotFound    = errors.New("story not found")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrAmbiguousRun     = errors.New("run id prefix is ambiguous")
	ErrInvalidWorkflow  = errors.New("invalid workflow definition")
)

// ValidationError reports malformed worker-supplied data. It lists every
// problem found rather than stopping at the first one.
type ValidationError struct {
	Field    string
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("invalid %s", e.Field)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, strings.Join(e.Problems, "; "))
}

// Add records a problem.
func (e *ValidationError) Add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// OrNil returns e when it holds problems and nil otherwise.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}

// IsValidation reports whether err wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
