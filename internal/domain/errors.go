package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the application.
var (
	ErrConversationNotFound   = errors.New("conversation not found")
	ErrConversationNotActive  = errors.New("conversation is not active")
	ErrConversationNotClosed  = errors.New("conversation is not closed")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrDuplicateMessageID     = errors.New("message id already used")
	ErrMessageNotFound        = errors.New("message not found")
	ErrRatingExists           = errors.New("conversation already rated")
	ErrRatingNotFound         = errors.New("rating not found")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	ErrUnauthorized           = errors.New("unauthorized access")
	ErrInvalidInput           = errors.New("invalid input")
	ErrRateLimited            = errors.New("rate limit exceeded")
)

// TransitionError is returned when a lifecycle call does not match the
// conversation's current status, including lost races against a
// concurrent transition. Current is the authoritative status observed
// after the failed write.
type TransitionError struct {
	Op      string
	Current Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s a %s conversation", ErrInvalidTransition, e.Op, e.Current)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Machine-readable error codes shared by the HTTP and WebSocket APIs.
const (
	CodeNotFound               = "not_found"
	CodeNotActive              = "not_active"
	CodeNotClosed              = "not_closed"
	CodeInvalidTransition      = "invalid_transition"
	CodeDuplicateMessageID     = "duplicate_message_id"
	CodeRatingExists           = "rating_exists"
	CodeUnauthorized           = "unauthorized"
	CodeInvalidInput           = "invalid_input"
	CodeRateLimited            = "rate_limited"
	CodePersistenceUnavailable = "persistence_unavailable"
	CodeInternal               = "internal"
)

var codes = []struct {
	err  error
	code string
}{
	// Order matters: a persistence failure may wrap a driver error that
	// mentions nothing else, but domain errors never wrap it.
	{ErrPersistenceUnavailable, CodePersistenceUnavailable},
	{ErrConversationNotFound, CodeNotFound},
	{ErrMessageNotFound, CodeNotFound},
	{ErrRatingNotFound, CodeNotFound},
	{ErrConversationNotActive, CodeNotActive},
	{ErrConversationNotClosed, CodeNotClosed},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrDuplicateMessageID, CodeDuplicateMessageID},
	{ErrRatingExists, CodeRatingExists},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrRateLimited, CodeRateLimited},
}

// Code returns the API error code for err.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// ErrorForCode maps an API error code back to its sentinel. Not-found
// codes map to ErrConversationNotFound; unknown codes return nil.
func ErrorForCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
