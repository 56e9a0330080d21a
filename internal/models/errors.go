package models

import (
	"errors"
	"fmt"
)

var (
	ErrStaleSelection  = errors.New("stale selection")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session is closed")
	ErrSuperseded      = errors.New("stage superseded by a newer session state")
	ErrNotAwaiting     = errors.New("session is not awaiting a selection")
	ErrNotIdle         = errors.New("session is not idle")
)

// MalformedOutputError means the agent text could not be parsed at all.
type MalformedOutputError struct {
	Raw string
	Err error
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed agent output: %v", e.Err)
}

func (e *MalformedOutputError) Unwrap() error { return e.Err }

// SchemaViolationError means the output parsed but a required field is
// missing or invalid.
type SchemaViolationError struct {
	Field  string
	Reason string
}

func (e *SchemaViolationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("schema violation: %s", e.Field)
	}
	return fmt.Sprintf("schema violation: %s: %s", e.Field, e.Reason)
}

type UnknownStageError struct {
	Stage string
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("unknown stage %q", e.Stage)
}

type UnknownSquadError struct {
	Squad string
}

func (e *UnknownSquadError) Error() string {
	return fmt.Sprintf("unknown squad %q", e.Squad)
}

// ProviderError wraps a failed or timed-out model invocation.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// StaleSelectionError carries the state the caller should re-fetch.
type StaleSelectionError struct {
	WantStage    int
	WantRevision int64
	GotStage     int
	GotRevision  int64
}

func (e *StaleSelectionError) Error() string {
	return fmt.Sprintf("stale selection: submitted (revision %d, stage %d), session is at (revision %d, stage %d)",
		e.GotRevision, e.GotStage, e.WantRevision, e.WantStage)
}

func (e *StaleSelectionError) Unwrap() error { return ErrStaleSelection }

type InvalidSelectionError struct {
	Category string
	Reason   string
}

func (e *InvalidSelectionError) Error() string {
	return fmt.Sprintf("invalid selection for %q: %s", e.Category, e.Reason)
}

// StageFailure is the terminal failure of a session at one stage.
type StageFailure struct {
	StageIndex int
	StageID    string
	Cause      error
	LastRaw    string
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage %d (%s) failed: %v", e.StageIndex, e.StageID, e.Cause)
}

func (e *StageFailure) Unwrap() error { return e.Cause }

// Failure converts the error into its persisted form.
func (e *StageFailure) Failure() *Failure {
	return &Failure{
		StageIndex: e.StageIndex,
		StageID:    e.StageID,
		Kind:       ErrorKind(e.Cause),
		Message:    e.Cause.Error(),
		LastRaw:    e.LastRaw,
	}
}

// Retryable reports whether the same prompt may succeed on another attempt.
func Retryable(err error) bool {
	var malformed *MalformedOutputError
	var provider *ProviderError
	return errors.As(err, &malformed) || errors.As(err, &provider)
}

// ErrorKind names the taxonomy bucket of err.
func ErrorKind(err error) string {
	var (
		malformed *MalformedOutputError
		schema    *SchemaViolationError
		stage     *UnknownStageError
		squad     *UnknownSquadError
		provider  *ProviderError
		invalid   *InvalidSelectionError
	)
	switch {
	case errors.As(err, &malformed):
		return "malformed_output"
	case errors.As(err, &schema):
		return "schema_violation"
	case errors.As(err, &stage):
		return "unknown_stage"
	case errors.As(err, &squad):
		return "unknown_squad"
	case errors.As(err, &provider):
		return "provider_error"
	case errors.Is(err, ErrStaleSelection):
		return "stale_selection"
	case errors.As(err, &invalid):
		return "invalid_selection"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	default:
		return "internal"
	}
}
