// Package errors defines the error taxonomy shared by the resolution and
// inference pipelines.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
)

// Kind identifies an error class in the run summary.
type Kind string

const (
	KindParse         Kind = "parse_error"
	KindEnrichment    Kind = "enrichment_error"
	KindConflict      Kind = "conflict"
	KindStoreWrite    Kind = "store_write_error"
	KindRuleExecution Kind = "rule_execution_error"
	KindThreshold     Kind = "threshold_rejection"
	KindInvalidID     Kind = "invalid_identifier"
	KindUnknown       Kind = "error"
)

// ErrNotFound is returned when an enrichment service has no mapping for a query.
var ErrNotFound = errors.New("not found")

// ParseError marks a malformed input record. The record is skipped.
type ParseError struct {
	Path string
	Line int
	Err  error
}

func NewParseError(path string, line int, err error) *ParseError {
	return &ParseError{Path: path, Line: line, Err: err}
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s:%d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Kind() Kind { return KindParse }

// EnrichmentError reports an unavailable enrichment service or exhausted
// retries. It unwraps to ErrNotFound so callers may treat it as a miss.
type EnrichmentError struct {
	Service  string
	System   string
	Value    string
	Attempts int
	Err      error
}

func (e *EnrichmentError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "enrichment %s lookup %s:%s failed", e.Service, e.System, e.Value)
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *EnrichmentError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNotFound}
	}
	return []error{ErrNotFound, e.Err}
}

func (e *EnrichmentError) Kind() Kind { return KindEnrichment }

// ConflictError signals that a write raced with another writer on the same
// identifiers. The resolver reruns the resolution when it sees one.
type ConflictError struct {
	Category string
	Op       string
	Err      error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conflict in %s during %s: %v", e.Category, e.Op, e.Err)
	}
	return fmt.Sprintf("conflict in %s during %s", e.Category, e.Op)
}

func (e *ConflictError) Unwrap() error { return e.Err }

func (e *ConflictError) Kind() Kind { return KindConflict }

// StoreWriteError is fatal: the store kept conflicting or failing past the
// configured number of attempts.
type StoreWriteError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store write %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

func (e *StoreWriteError) Kind() Kind { return KindStoreWrite }

// RuleExecutionError isolates a failing rule from the rest of the run.
type RuleExecutionError struct {
	Rule string
	Err  error
}

func (e *RuleExecutionError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.Rule, e.Err)
}

func (e *RuleExecutionError) Unwrap() error { return e.Err }

func (e *RuleExecutionError) Kind() Kind { return KindRuleExecution }

// ThresholdRejection is not a failure; the candidate scored below the bar.
type ThresholdRejection struct {
	Rule       string
	Confidence float64
	Threshold  float64
}

func (e *ThresholdRejection) Error() string {
	return fmt.Sprintf("rule %s candidate confidence %.4f below threshold %.4f", e.Rule, e.Confidence, e.Threshold)
}

func (e *ThresholdRejection) Kind() Kind { return KindThreshold }

// InvalidIdentifierError is raised when a value fails its system's shape check.
type InvalidIdentifierError struct {
	System string
	Value  string
	Reason string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid %s identifier %q: %s", e.System, e.Value, e.Reason)
}

func (e *InvalidIdentifierError) Kind() Kind { return KindInvalidID }

// KindOf classifies err for reporting.
func KindOf(err error) Kind {
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// IsConflict reports whether err is a write conflict, either a ConflictError
// or an HTTP 409 raised by a repository.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var c *ConflictError
	if errors.As(err, &c) {
		return true
	}
	return httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusConflict
}

// IsNotFound reports whether err is a clean or degraded enrichment miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsEnrichmentFailure distinguishes a degraded miss from a clean NotFound.
func IsEnrichmentFailure(err error) bool {
	var e *EnrichmentError
	return errors.As(err, &e)
}
