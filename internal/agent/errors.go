package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrClarificationPending is returned when execution is requested for a
	// plan that still carries a clarification question.
	ErrClarificationPending = errors.New("plan awaits clarification")
	// ErrInsufficientFeedback is returned when feedback carries no decision
	// detail the planner could act on.
	ErrInsufficientFeedback = errors.New("feedback carries no hints or note; not enough information to re-plan")
)

// ConfigurationError means model access is disabled or missing a credential.
type ConfigurationError struct {
	Reason string
}

func (e ConfigurationError) Error() string {
	return "model access not configured: " + e.Reason
}

// ParseError means the model's reply could not be decoded into a plan.
type ParseError struct {
	Attempts int
	Raw      string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("model reply is not a valid plan after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
