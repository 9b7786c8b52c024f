package config

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderNotFound is returned when a provider name is not registered.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrNoLocalProvider is returned when fallback is enabled but no local
	// provider is configured.
	ErrNoLocalProvider = errors.New("fallback enabled but no local provider configured")
)

// LoadError wraps a failure to read or parse a configuration file.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// NewLoadError creates a LoadError for the given file.
func NewLoadError(file string, err error) error {
	return &LoadError{File: file, Err: err}
}

// ValidationError reports a field-level configuration problem.
type ValidationError struct {
	Section string
	Name    string
	Field   string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %q: field %s: %v", e.Section, e.Name, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: field %s: %v", e.Section, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a ValidationError.
func NewValidationError(section, name, field string, err error) error {
	return &ValidationError{Section: section, Name: name, Field: field, Err: err}
}
