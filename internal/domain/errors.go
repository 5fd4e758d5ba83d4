// Package domain — error taxonomy.
//
// The application distinguishes recoverable user mistakes (ValidationError),
// missing entities (repo.ErrNotFound, aliasing gorm's sentinel), and
// everything unexpected. External-call failures carry their own types in the
// llm and crm packages; this file only holds errors that cross layer
// boundaries together with domain entities.
package domain

import "fmt"

// ValidationError reports bad input from a user or operator. The orchestrator
// turns it into a clarifying question instead of failing the turn.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
