package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"parse", NewParseError("a.jsonl", 3, errors.New("bad json")), KindParse},
		{"wrapped conflict", fmt.Errorf("apply: %w", &ConflictError{Category: "Compound", Op: "apply"}), KindConflict},
		{"store write", &StoreWriteError{Op: "apply", Attempts: 3, Err: errors.New("boom")}, KindStoreWrite},
		{"rule", &RuleExecutionError{Rule: "drug_repurposing", Err: errors.New("timeout")}, KindRuleExecution},
		{"threshold", &ThresholdRejection{Rule: "r", Confidence: 0.2, Threshold: 0.5}, KindThreshold},
		{"identifier", &InvalidIdentifierError{System: "pmid", Value: "x", Reason: "not numeric"}, KindInvalidID},
		{"enrichment", &EnrichmentError{Service: "unichem", System: "chembl_id", Value: "CHEMBL25"}, KindEnrichment},
		{"plain", errors.New("other"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestParseError_Error(t *testing.T) {
	assert.Equal(t, "parse a.jsonl:3: bad", NewParseError("a.jsonl", 3, errors.New("bad")).Error())
	assert.Equal(t, "parse a.jsonl: bad", NewParseError("a.jsonl", 0, errors.New("bad")).Error())
}

func TestIsConflict(t *testing.T) {
	assert.False(t, IsConflict(nil))
	assert.True(t, IsConflict(&ConflictError{Category: "Target", Op: "commit"}))
	assert.True(t, IsConflict(httperror.NewHTTPError(http.StatusConflict, "exists")))
	assert.False(t, IsConflict(httperror.NewHTTPError(http.StatusInternalServerError, "failed")))
	assert.False(t, IsConflict(errors.New("other")))
}

func TestEnrichmentError(t *testing.T) {
	cause := errors.New("503")
	err := &EnrichmentError{Service: "unichem", System: "chembl_id", Value: "CHEMBL25", Attempts: 3, Err: cause}

	assert.True(t, IsNotFound(err))
	assert.True(t, IsEnrichmentFailure(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "enrichment unichem lookup chembl_id:CHEMBL25 failed after 3 attempts: 503", err.Error())

	assert.True(t, IsNotFound(ErrNotFound))
	assert.False(t, IsEnrichmentFailure(ErrNotFound))
}
