// Package enrichment looks up cross-reference identifiers from external
// mapping services. Results are cached, each service is rate limited and
// guarded by a circuit breaker, and transient failures are retried with
// exponential backoff.
package enrichment

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Ramsey-B/fern/config"
	fernerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// prefetchChunk is the number of values of one system handed to a prefetch worker.
const prefetchChunk = 100

// Stats counts client activity for the run summary.
type Stats struct {
	Lookups   int64 `json:"lookups"`
	CacheHits int64 `json:"cache_hits"`
	Requests  int64 `json:"requests"`
	Failures  int64 `json:"failures"`
}

type backend struct {
	svc     *httpService
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Client is the enrichment boundary. It is safe for concurrent use and must be
// closed at the end of the run.
type Client struct {
	backends []*backend
	cache    Cache
	ttl      time.Duration
	retry    config.RetryConfig
	workers  int
	logger   ectologger.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	lookups  atomic.Int64
	hits     atomic.Int64
	requests atomic.Int64
	failures atomic.Int64
}

// New builds a client over the configured services. The client owns cache.
func New(cfg config.EnrichmentConfig, cache Cache, logger ectologger.Logger) (*Client, error) {
	if cache == nil {
		cache = NopCache{}
	}
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	c := &Client{
		cache:   cache,
		ttl:     cfg.CacheTTL,
		retry:   cfg.Retry,
		workers: max(cfg.Workers, 1),
		logger:  logger,
		sleep:   sleepContext,
	}
	for _, sc := range cfg.Services {
		svc, err := newHTTPService(sc, httpClient, logger)
		if err != nil {
			return nil, err
		}
		c.backends = append(c.backends, &backend{
			svc:     svc,
			limiter: rate.NewLimiter(rate.Limit(sc.RatePerSecond), max(sc.Burst, 1)),
			breaker: newBreaker(sc.Name, cfg.Breaker, logger),
		})
	}
	return c, nil
}

func newBreaker(name string, cfg config.BreakerConfig, logger ectologger.Logger) *gobreaker.CircuitBreaker {
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cfg.Enabled && counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, fernerrors.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(map[string]any{
				"service": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("enrichment circuit breaker changed state")
		},
	})
}

// Stats returns a snapshot of the counters.
func (c *Client) Stats() Stats {
	return Stats{
		Lookups:   c.lookups.Load(),
		CacheHits: c.hits.Load(),
		Requests:  c.requests.Load(),
		Failures:  c.failures.Load(),
	}
}

// Close releases the cache.
func (c *Client) Close() error {
	return c.cache.Close()
}

// Lookup returns the identifiers every service serving system knows as
// equivalent to value. A clean miss is errors.ErrNotFound; when a service
// failed and nothing was found the error is an *errors.EnrichmentError.
func (c *Client) Lookup(ctx context.Context, system, value string) ([]models.IdentifierKey, error) {
	ctx, span := tracing.StartSpan(ctx, "enrichment.Client.Lookup")
	defer span.End()

	c.lookups.Add(1)
	query := models.IdentifierKey{System: system, Value: value}
	found := models.NewIdentifierSet()
	var degraded error

	for _, b := range c.backends {
		if !b.svc.supports(system) {
			continue
		}

		refs, err := c.lookupOne(ctx, b, system, value)
		switch {
		case err == nil:
			for _, r := range refs {
				if r != query {
					found.Add(r)
				}
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case fernerrors.IsEnrichmentFailure(err):
			if degraded == nil {
				degraded = err
			}
		case errors.Is(err, fernerrors.ErrNotFound):
		default:
			if degraded == nil {
				degraded = &fernerrors.EnrichmentError{Service: b.svc.name, System: system, Value: value, Err: err}
			}
		}
	}

	if found.Len() > 0 {
		return found.Keys(), nil
	}
	if degraded != nil {
		return nil, degraded
	}
	return nil, fernerrors.ErrNotFound
}

func (c *Client) lookupOne(ctx context.Context, b *backend, system, value string) ([]models.IdentifierKey, error) {
	key := cacheKey(b.svc.name, system, value)
	if refs, ok := c.cached(ctx, key); ok {
		if len(refs) == 0 {
			return nil, fernerrors.ErrNotFound
		}
		return refs, nil
	}

	refs, err := execute(ctx, c, b, system, value, func(ctx context.Context) ([]models.IdentifierKey, error) {
		return b.svc.lookup(ctx, system, value)
	})
	switch {
	case err == nil:
		c.store(ctx, key, refs)
	case errors.Is(err, fernerrors.ErrNotFound) && !fernerrors.IsEnrichmentFailure(err):
		c.store(ctx, key, nil)
	}
	if err == nil && len(refs) == 0 {
		return nil, fernerrors.ErrNotFound
	}
	return refs, err
}

// LookupBatch resolves many values of one system, using batch requests for
// services that support them. Values without a result are absent from the
// map. The error reports the first degraded service call; results from other
// calls are still returned.
func (c *Client) LookupBatch(ctx context.Context, system string, values []string) (map[string][]models.IdentifierKey, error) {
	ctx, span := tracing.StartSpan(ctx, "enrichment.Client.LookupBatch")
	defer span.End()

	results := map[string]*models.IdentifierSet{}
	add := func(value string, refs []models.IdentifierKey) {
		set, ok := results[value]
		if !ok {
			set = models.NewIdentifierSet()
			results[value] = set
		}
		for _, r := range refs {
			if r.System != system || r.Value != value {
				set.Add(r)
			}
		}
	}

	var firstErr error
	for _, b := range c.backends {
		if !b.svc.supports(system) {
			continue
		}

		var pending []string
		for _, v := range values {
			if refs, ok := c.cached(ctx, cacheKey(b.svc.name, system, v)); ok {
				add(v, refs)
				continue
			}
			pending = append(pending, v)
		}

		if b.svc.batchSize <= 0 {
			for _, v := range pending {
				refs, err := c.lookupOne(ctx, b, system, v)
				if err == nil {
					add(v, refs)
					continue
				}
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if fernerrors.IsEnrichmentFailure(err) && firstErr == nil {
					firstErr = err
				}
			}
			continue
		}

		for start := 0; start < len(pending); start += b.svc.batchSize {
			chunk := pending[start:min(start+b.svc.batchSize, len(pending))]
			c.lookups.Add(int64(len(chunk)))

			batch, err := execute(ctx, c, b, system, chunk[0], func(ctx context.Context) (map[string][]models.IdentifierKey, error) {
				return b.svc.lookupBatch(ctx, system, chunk)
			})
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			for _, v := range chunk {
				c.store(ctx, cacheKey(b.svc.name, system, v), batch[v])
				add(v, batch[v])
			}
		}
	}

	out := make(map[string][]models.IdentifierKey, len(results))
	for v, set := range results {
		if set.Len() > 0 {
			out[v] = set.Keys()
		}
	}
	return out, firstErr
}

// Prefetch warms the cache for keys with a bounded pool of workers. Service
// failures are logged and left for Lookup to report.
func (c *Client) Prefetch(ctx context.Context, keys []models.IdentifierKey) error {
	ctx, span := tracing.StartSpan(ctx, "enrichment.Client.Prefetch")
	defer span.End()

	bySystem := map[string][]string{}
	var systems []string
	for _, k := range models.NewIdentifierSet(keys...).Keys() {
		if _, ok := bySystem[k.System]; !ok {
			systems = append(systems, k.System)
		}
		bySystem[k.System] = append(bySystem[k.System], k.Value)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, system := range systems {
		values := bySystem[system]
		for start := 0; start < len(values); start += prefetchChunk {
			chunk := values[start:min(start+prefetchChunk, len(values))]
			g.Go(func() error {
				_, err := c.LookupBatch(gctx, system, chunk)
				if err != nil && gctx.Err() == nil {
					c.logger.WithContext(gctx).WithError(err).WithField("system", system).Warn("enrichment prefetch degraded")
					return nil
				}
				return gctx.Err()
			})
		}
	}
	return g.Wait()
}

func (c *Client) cached(ctx context.Context, key string) ([]models.IdentifierKey, bool) {
	refs, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("enrichment cache read failed")
		return nil, false
	}
	if ok {
		c.hits.Add(1)
	}
	return refs, ok
}

func (c *Client) store(ctx context.Context, key string, refs []models.IdentifierKey) {
	if err := c.cache.Set(ctx, key, refs, c.ttl); err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("enrichment cache write failed")
	}
}

// execute runs one service call through the limiter and breaker, retrying
// transient failures. A clean miss is returned as is; anything else that does
// not succeed ends as an *errors.EnrichmentError.
func execute[T any](ctx context.Context, c *Client, b *backend, system, value string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := max(c.retry.MaxAttempts, 1)

	var lastErr error
	attempt := 0
	for attempt < attempts {
		attempt++
		if err := b.limiter.Wait(ctx); err != nil {
			return zero, err
		}

		c.requests.Add(1)
		out, err := b.breaker.Execute(func() (interface{}, error) {
			return call(ctx)
		})
		if err == nil {
			return out.(T), nil
		}
		if errors.Is(err, fernerrors.ErrNotFound) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) || !transient(err) {
			break
		}
		if attempt < attempts {
			if err := c.sleep(ctx, c.backoff(attempt, err)); err != nil {
				return zero, err
			}
		}
	}

	c.failures.Add(1)
	c.logger.WithContext(ctx).WithError(lastErr).WithFields(map[string]any{
		"service":  b.svc.name,
		"system":   system,
		"value":    value,
		"attempts": attempt,
	}).Warn("enrichment lookup failed")

	return zero, &fernerrors.EnrichmentError{
		Service:  b.svc.name,
		System:   system,
		Value:    value,
		Attempts: attempt,
		Err:      lastErr,
	}
}

func (c *Client) backoff(attempt int, err error) time.Duration {
	d := c.retry.BaseDelay << (attempt - 1)
	var status *statusError
	if errors.As(err, &status) && status.RetryAfter > d {
		d = status.RetryAfter
	}
	if c.retry.MaxDelay > 0 && (d > c.retry.MaxDelay || d < 0) {
		d = c.retry.MaxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
