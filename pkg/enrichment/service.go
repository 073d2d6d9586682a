package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/config"
	fernerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	defaultTimeout = 30 * time.Second

	// maxResponseSize bounds a mapping service response body (10MB)
	maxResponseSize = 10 * 1024 * 1024
)

// statusError is a non-2xx answer from a mapping service.
type statusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// permanentError is never retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// transient reports whether a failed call may succeed when repeated.
func transient(err error) bool {
	var status *statusError
	if errors.As(err, &status) {
		return status.Code == http.StatusTooManyRequests || status.Code >= 500
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

type identifierRef struct {
	System string `json:"system"`
	Value  string `json:"value"`
}

type lookupResponse struct {
	Identifiers []identifierRef `json:"identifiers"`
}

type batchRequest struct {
	Values []string `json:"values"`
}

type batchResponse struct {
	Results map[string][]identifierRef `json:"results"`
}

func keys(refs []identifierRef) []models.IdentifierKey {
	out := make([]models.IdentifierKey, 0, len(refs))
	for _, r := range refs {
		if r.System == "" || r.Value == "" {
			continue
		}
		out = append(out, models.IdentifierKey{System: r.System, Value: r.Value})
	}
	return out
}

// httpService speaks the mapping service protocol:
//
//	GET  {base}/lookup/{system}/{value} -> {"identifiers":[...]}
//	POST {base}/lookup/{system} {"values":[...]} -> {"results":{value:[...]}}
type httpService struct {
	name      string
	baseURL   string
	systems   map[string]bool
	batchSize int
	timeout   time.Duration
	client    *http.Client
	logger    ectologger.Logger
}

func newHTTPService(cfg config.ServiceConfig, client *http.Client, logger ectologger.Logger) (*httpService, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("service %s: invalid base url: %w", cfg.Name, err)
	}
	systems := make(map[string]bool, len(cfg.Systems))
	for _, s := range cfg.Systems {
		systems[s] = true
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &httpService{
		name:      cfg.Name,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		systems:   systems,
		batchSize: cfg.BatchSize,
		timeout:   timeout,
		client:    client,
		logger:    logger,
	}, nil
}

func (s *httpService) supports(system string) bool {
	return s.systems[system]
}

func (s *httpService) lookup(ctx context.Context, system, value string) ([]models.IdentifierKey, error) {
	endpoint := s.baseURL + "/lookup/" + url.PathEscape(system) + "/" + url.PathEscape(value)

	var resp lookupResponse
	if err := s.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return keys(resp.Identifiers), nil
}

func (s *httpService) lookupBatch(ctx context.Context, system string, values []string) (map[string][]models.IdentifierKey, error) {
	endpoint := s.baseURL + "/lookup/" + url.PathEscape(system)
	body, err := json.Marshal(batchRequest{Values: values})
	if err != nil {
		return nil, &permanentError{err: err}
	}

	var resp batchResponse
	if err := s.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return nil, err
	}

	out := make(map[string][]models.IdentifierKey, len(values))
	for _, v := range values {
		out[v] = keys(resp.Results[v])
	}
	return out, nil
}

func (s *httpService) do(ctx context.Context, method, endpoint string, body []byte, into any) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return &permanentError{err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	s.logger.WithContext(ctx).Debugf("HTTP %s %s -> %d (%s)", method, endpoint, resp.StatusCode, time.Since(start))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fernerrors.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &statusError{Code: resp.StatusCode, RetryAfter: retryAfter(resp.Header.Get("Retry-After"))}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if len(data) > maxResponseSize {
		return &permanentError{err: fmt.Errorf("response body too large: %d bytes (max %d)", len(data), maxResponseSize)}
	}
	if err := json.Unmarshal(data, into); err != nil {
		return &permanentError{err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(header, "%d", &seconds); err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
