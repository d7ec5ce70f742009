package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's error taxonomy. Match with errors.Is.
var (
	ErrExtraction            = errors.New("extraction failed")
	ErrValidation            = errors.New("validation failed")
	ErrStorage               = errors.New("storage unavailable")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

// ExtractionError means structured output was unrecoverable after every parse stage.
type ExtractionError struct {
	Stage string
	Raw   string
	Err   error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed at %s: %v", e.Stage, e.Err)
	}
	return "extraction failed at " + e.Stage
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func (e *ExtractionError) Is(target error) bool { return target == ErrExtraction }

// ValidationError means a value failed a field-specific domain check.
type ValidationError struct {
	Field  Field
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// StorageError means the persistence layer could not be reached.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// UnavailableError means a dependency's circuit breaker is open.
type UnavailableError struct {
	Dependency string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: circuit open", e.Dependency)
}

func (e *UnavailableError) Is(target error) bool { return target == ErrDependencyUnavailable }
