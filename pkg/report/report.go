// Package report assembles the run summary written next to the run outputs.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/pkg/emitter"
	"github.com/Ramsey-B/fern/pkg/enrichment"
	fernerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolver"
)

// FileName is the summary written to the output directory.
const FileName = "summary.json"

// Exit statuses.
const (
	ExitOK       = 0
	ExitFatal    = 1
	ExitWarnings = 2
)

// CategoryCounts are resolution counters for one category.
type CategoryCounts struct {
	Records    int `json:"records"`
	Created    int `json:"created"`
	Attached   int `json:"identifiers_attached"`
	Merged     int `json:"merged"`
	Fallback   int `json:"fallback"`
	Unresolved int `json:"unresolved"`
	Enriched   int `json:"enriched"`
	Writes     int `json:"writes"`
	// InvalidIdentifiers counts identifier values dropped by normalization
	InvalidIdentifiers int `json:"invalid_identifiers"`
}

// Resolution summarizes the canonicalization phase.
type Resolution struct {
	Files          int                        `json:"files"`
	FilesUnchanged int                        `json:"files_unchanged"`
	Records        int                        `json:"records"`
	Skipped        map[string]int             `json:"skipped,omitempty"`
	Categories     map[string]*CategoryCounts `json:"categories"`
}

// ErrorEntry is one non-fatal error.
type ErrorEntry struct {
	Kind    fernerrors.Kind `json:"kind"`
	Message string          `json:"message"`
}

// Summary is the machine-readable record of one run. It is safe for
// concurrent use while the run is in progress.
type Summary struct {
	mu sync.Mutex

	RunID      string            `json:"run_id"`
	Command    string            `json:"command"`
	Source     string            `json:"source,omitempty"`
	Output     string            `json:"output,omitempty"`
	Apply      bool              `json:"apply"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	DurationMS int64             `json:"duration_ms"`
	Resolution *Resolution       `json:"resolution,omitempty"`
	Enrichment *enrichment.Stats `json:"enrichment,omitempty"`
	Merges     *merging.Summary  `json:"merges,omitempty"`
	Inference  *emitter.Summary  `json:"inference,omitempty"`
	Errors     []ErrorEntry      `json:"errors"`
	Fatal      string            `json:"fatal,omitempty"`
}

// New starts a summary.
func New(runID, command string, startedAt time.Time) *Summary {
	return &Summary{
		RunID:     runID,
		Command:   command,
		StartedAt: startedAt.UTC(),
		Errors:    []ErrorEntry{},
	}
}

// AddError records a non-fatal error under its kind.
func (s *Summary) AddError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors = append(s.Errors, ErrorEntry{Kind: fernerrors.KindOf(err), Message: err.Error()})
}

func (s *Summary) resolution() *Resolution {
	if s.Resolution == nil {
		s.Resolution = &Resolution{Skipped: map[string]int{}, Categories: map[string]*CategoryCounts{}}
	}
	return s.Resolution
}

func (s *Summary) category(name string) *CategoryCounts {
	r := s.resolution()
	c, ok := r.Categories[name]
	if !ok {
		c = &CategoryCounts{}
		r.Categories[name] = c
	}
	return c
}

// AddFile counts a source file.
func (s *Summary) AddFile(unchanged bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.resolution()
	r.Files++
	if unchanged {
		r.FilesUnchanged++
	}
}

// AddSkipped counts a record that carried no entity to resolve.
func (s *Summary) AddSkipped(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolution().Skipped[reason]++
}

// AddOutcome counts one resolved record.
func (s *Summary) AddOutcome(category models.Category, invalid int, outcome *resolver.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resolution().Records++
	c := s.category(string(category))
	c.Records++
	c.InvalidIdentifiers += invalid
	if outcome == nil {
		return
	}

	if outcome.State == models.ResolutionUnresolved {
		c.Unresolved++
	}
	if outcome.Created {
		c.Created++
	}
	if outcome.Fallback {
		c.Fallback++
	}
	if outcome.Enriched > 0 {
		c.Enriched++
	}
	c.Merged += len(outcome.Absorbed)
	c.Attached += outcome.Attached
	c.Writes += outcome.Writes
}

// SetEnrichment records the enrichment counters.
func (s *Summary) SetEnrichment(stats enrichment.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Enrichment = &stats
}

// SetMerges records the merge emission.
func (s *Summary) SetMerges(merges *merging.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Merges = merges
}

// SetInference records the inference emission.
func (s *Summary) SetInference(inference *emitter.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Inference = inference
}

// Finish stamps the end of the run and the fatal error, if any.
func (s *Summary) Finish(finishedAt time.Time, fatal error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FinishedAt = finishedAt.UTC()
	s.DurationMS = s.FinishedAt.Sub(s.StartedAt).Milliseconds()
	if fatal != nil {
		s.Fatal = fatal.Error()
	}
}

// ExitCode is 1 after a fatal error, 2 when the run completed with recorded
// errors and 0 otherwise.
func (s *Summary) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.Fatal != "":
		return ExitFatal
	case len(s.Errors) > 0:
		return ExitWarnings
	default:
		return ExitOK
	}
}

// Snapshot encodes the summary as it stands.
func (s *Summary) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.MarshalIndent(s, "", "  ")
}

// Write stores the summary as dir/summary.json.
func (s *Summary) Write(dir string) error {
	data, err := s.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, FileName), append(data, '\n'), 0o644)
}
