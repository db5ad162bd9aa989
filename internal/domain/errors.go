package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error codes for the pipeline failure taxonomy
const (
	ErrEmptyCandidateSet          = "EMPTY_CANDIDATE_SET"
	ErrInvalidWeightConfiguration = "INVALID_WEIGHT_CONFIGURATION"
	ErrAttributionInconsistency   = "ATTRIBUTION_INCONSISTENCY"
	ErrSuggestionUnavailable      = "SUGGESTION_UNAVAILABLE"
	ErrEvidenceSourceUnavailable  = "EVIDENCE_SOURCE_UNAVAILABLE"
	ErrInvalidInput               = "INVALID_INPUT"
	ErrDatabaseError              = "DATABASE_ERROR"
	ErrNotFoundError              = "NOT_FOUND"
	ErrInternalServer             = "INTERNAL_SERVER_ERROR"
)

// ErrNotFound is the sentinel for missing persisted entities.
var ErrNotFound = errors.New("not found")

// PipelineError is the standardized error carrying enough context to reproduce
// the failing computation: the stage that failed and the entity it operated on.
type PipelineError struct {
	Code      string    `json:"code"`
	Stage     string    `json:"stage"`
	EntityID  string    `json:"entity_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Err       error     `json:"-"`
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("%s [stage=%s entity=%s]: %s", e.Code, e.Stage, e.EntityID, e.Message)
	}
	return fmt.Sprintf("%s [stage=%s]: %s", e.Code, e.Stage, e.Message)
}

// Unwrap exposes the wrapped cause, if any.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError creates a new PipelineError with timestamp
func NewPipelineError(code, stage, entityID, message string) *PipelineError {
	return &PipelineError{
		Code:      code,
		Stage:     stage,
		EntityID:  entityID,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// WrapPipelineError wraps an underlying cause with pipeline context.
func WrapPipelineError(code, stage, entityID string, err error) *PipelineError {
	return &PipelineError{
		Code:      code,
		Stage:     stage,
		EntityID:  entityID,
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		Err:       err,
	}
}

// NewEmptyCandidateSetError signals that the caller supplied no diagnosis
// candidates; the engine never fabricates diagnoses.
func NewEmptyCandidateSetError(patientID string) *PipelineError {
	return NewPipelineError(ErrEmptyCandidateSet, "diagnosis_ranking", patientID,
		"candidate diagnosis set is empty")
}

// NewInvalidWeightConfigurationError signals a weight set that does not sum to 1.
func NewInvalidWeightConfigurationError(detail string) *PipelineError {
	return NewPipelineError(ErrInvalidWeightConfiguration, "protocol_ranking", "", detail)
}

// NewAttributionInconsistencyError signals a violated additivity invariant.
// The engine must not repair an unbalanced explanation.
func NewAttributionInconsistencyError(entityID string, imbalance float64) *PipelineError {
	return NewPipelineError(ErrAttributionInconsistency, "attribution", entityID,
		fmt.Sprintf("contributions do not sum to final value (imbalance %g)", imbalance))
}

// NewSuggestionUnavailableError signals retry exhaustion against the
// suggestion provider.
func NewSuggestionUnavailableError(patientID string, err error) *PipelineError {
	return WrapPipelineError(ErrSuggestionUnavailable, "suggestion_fetch", patientID, err)
}

// NewEvidenceSourceUnavailableError signals retry exhaustion against an
// evidence source.
func NewEvidenceSourceUnavailableError(source string, err error) *PipelineError {
	return WrapPipelineError(ErrEvidenceSourceUnavailable, "evidence_fetch", source, err)
}

// IsCode reports whether err is (or wraps) a PipelineError with the given code.
func IsCode(err error, code string) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}
