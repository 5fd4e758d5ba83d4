// Package services defines the business logic of the sales agent: intent
// classification, conversation state, knowledge lookups, lead capture, and
// the per-turn orchestrator. This file centralizes common service-level
// error values so that they can be consistently returned by service methods
// and checked by callers.
//
// These errors are intended for internal use by the service layer;
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
package services

import "errors"

// Conversation-related errors.
var (
	// ErrEmptyMessage is returned when an inbound message has no text.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrMessageTooLong is returned when an inbound message exceeds the
	// maximum accepted length.
	ErrMessageTooLong = errors.New("message too long")
)

// Lead-related errors.
var (
	// ErrLeadMissingContact is returned when a lead carries neither a phone
	// nor an email.
	ErrLeadMissingContact = errors.New("lead needs a phone or an email")

	// ErrLeadMissingName is returned when a lead has no last name.
	ErrLeadMissingName = errors.New("lead needs a last name")

	// ErrInvalidPhone is returned when a phone fails the shape check after
	// normalization.
	ErrInvalidPhone = errors.New("phone is not a valid number")

	// ErrInvalidEmail is returned when an email fails the shape check.
	ErrInvalidEmail = errors.New("email is not valid")
)
