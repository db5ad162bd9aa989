package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestPipelineError_Error(t *testing.T) {
	err := NewPipelineError(ErrEmptyCandidateSet, "diagnosis_ranking", "patient-1", "candidate diagnosis set is empty")

	msg := err.Error()
	if !strings.Contains(msg, ErrEmptyCandidateSet) {
		t.Errorf("Expected error message to contain code, got %s", msg)
	}
	if !strings.Contains(msg, "stage=diagnosis_ranking") {
		t.Errorf("Expected error message to contain stage, got %s", msg)
	}
	if !strings.Contains(msg, "entity=patient-1") {
		t.Errorf("Expected error message to contain entity id, got %s", msg)
	}
}

func TestPipelineError_ErrorWithoutEntity(t *testing.T) {
	err := NewInvalidWeightConfigurationError("weights must sum to 1, got 0.9")

	msg := err.Error()
	if strings.Contains(msg, "entity=") {
		t.Errorf("Expected no entity segment, got %s", msg)
	}
	if !strings.Contains(msg, "stage=protocol_ranking") {
		t.Errorf("Expected stage segment, got %s", msg)
	}
}

func TestWrapPipelineError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewSuggestionUnavailableError("patient-2", cause)

	if !errors.Is(err, cause) {
		t.Error("Expected wrapped cause to be reachable via errors.Is")
	}
	if err.Code != ErrSuggestionUnavailable {
		t.Errorf("Expected code %s, got %s", ErrSuggestionUnavailable, err.Code)
	}
}

func TestIsCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
		want bool
	}{
		{"matching code", NewEmptyCandidateSetError("p1"), ErrEmptyCandidateSet, true},
		{"wrong code", NewEmptyCandidateSetError("p1"), ErrAttributionInconsistency, false},
		{"wrapped pipeline error", fmt.Errorf("outer: %w", NewAttributionInconsistencyError("a1", 0.5)), ErrAttributionInconsistency, true},
		{"plain error", errors.New("boom"), ErrEmptyCandidateSet, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCode(tt.err, tt.code); got != tt.want {
				t.Errorf("IsCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewEvidenceSourceUnavailableError(t *testing.T) {
	cause := errors.New("timeout")
	err := NewEvidenceSourceUnavailableError("trial-registry", cause)

	if err.Code != ErrEvidenceSourceUnavailable {
		t.Errorf("Expected code %s, got %s", ErrEvidenceSourceUnavailable, err.Code)
	}
	if err.EntityID != "trial-registry" {
		t.Errorf("Expected entity id to carry source name, got %s", err.EntityID)
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("raw_confidence", "must be in [0,1]", 1.5)

	if !strings.Contains(err.Error(), "raw_confidence") {
		t.Errorf("Expected field in message, got %s", err.Error())
	}
}
