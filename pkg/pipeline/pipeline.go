// Package pipeline wires ingestion, resolution, merge emission and inference
// into the resolve, infer and run commands.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/config"
	fernctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/emitter"
	"github.com/Ramsey-B/fern/pkg/enrichment"
	fernerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/identifiers"
	"github.com/Ramsey-B/fern/pkg/inference"
	"github.com/Ramsey-B/fern/pkg/ingest"
	"github.com/Ramsey-B/fern/pkg/mappingstore"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/report"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Output file names.
const (
	MergeStatementsFile       = "merge_statements.jsonl"
	InferredStatementsFile    = "inferred_statements.jsonl"
	InferredRelationshipsFile = "inferred_relationships.json"
)

// Options are the per-invocation settings shared by every command.
type Options struct {
	Source string
	Output string
	Apply  bool
}

// Pipeline runs the phases of a batch against injected stores.
type Pipeline struct {
	cfg      *config.Config
	store    mappingstore.Store
	graph    graph.Store
	enricher *enrichment.Client
	events   *events.Emitter
	logger   ectologger.Logger
	now      func() time.Time
}

// New creates a pipeline. graph may be nil for resolve dry runs; enricher and
// ev may be nil when enrichment or change events are disabled.
func New(cfg *config.Config, store mappingstore.Store, g graph.Store, enricher *enrichment.Client, ev *events.Emitter, logger ectologger.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		store:    store,
		graph:    g,
		enricher: enricher,
		events:   ev,
		logger:   logger,
		now:      time.Now,
	}
}

type work struct {
	item ingest.Item
	done *sync.WaitGroup
}

// Resolve canonicalizes every record under opts.Source, then renders the
// merge edges to opts.Output and applies them when opts.Apply is set. The
// returned error is fatal; everything else is recorded on summary.
func (p *Pipeline) Resolve(ctx context.Context, opts Options, summary *report.Summary) (err error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Pipeline.Resolve")
	defer func() {
		tracing.Fail(span, err)
		span.End()
	}()

	if p.store == nil {
		return errors.New("resolve requires a mapping store")
	}
	if opts.Apply && p.graph == nil {
		return errors.New("apply requested without a graph store")
	}

	if err := p.resolve(ctx, opts.Source, summary); err != nil {
		return err
	}

	if p.enricher != nil {
		stats := p.enricher.Stats()
		summary.SetEnrichment(stats)
		metrics.RecordEnrichment(stats.Lookups, stats.CacheHits, stats.Requests, stats.Failures)
	}

	out, err := create(opts.Output, MergeStatementsFile)
	if err != nil {
		return err
	}
	defer out.Close()

	// every edge is emitted, including those committed by earlier runs
	em := merging.NewEmitter(p.store, p.graph, p.cfg.Categories, p.cfg.Resolution.BatchSize, p.logger)
	merges, err := em.Emit(ctx, time.Time{}, out, opts.Apply)
	if err != nil {
		return err
	}
	summary.SetMerges(merges)

	p.logger.WithContext(ctx).WithFields(fernctx.Fields(ctx)).WithField("statements", merges.Statements).Info("resolution complete")
	return out.Close()
}

func (p *Pipeline) resolve(ctx context.Context, source string, summary *report.Summary) error {
	extractor := identifiers.New(p.cfg.Categories, p.logger)
	fingerprints := p.store.Fingerprints()
	var seen ingest.FingerprintLog
	if p.cfg.Resolution.Incremental {
		seen = fingerprints
	}
	ingestor := ingest.New(source, extractor, seen, p.logger)

	var enricher resolver.Enricher
	if p.enricher != nil {
		enricher = p.enricher
	}
	res := resolver.New(p.store, enricher, p.cfg.Categories, p.cfg.Resolution, p.logger)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	window := max(p.cfg.Resolution.PrefetchWindow, 1)
	queues := make(map[models.Category]chan work, len(p.cfg.Categories))
	var workers errgroup.Group
	for _, cat := range p.cfg.Categories {
		queue := make(chan work, window)
		queues[models.Category(cat.Name)] = queue
		workers.Go(func() error {
			return p.consume(ctx, cancel, res, queue, summary)
		})
	}

	feedErr := p.feed(ctx, ingestor, fingerprints, queues, window, summary)
	for _, queue := range queues {
		close(queue)
	}
	workErr := workers.Wait()

	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	if workErr != nil {
		return workErr
	}
	return feedErr
}

// consume resolves one category's records in arrival order. After a fatal
// error it keeps draining so the feeder never blocks.
func (p *Pipeline) consume(ctx context.Context, cancel context.CancelCauseFunc, res *resolver.Resolver, queue <-chan work, summary *report.Summary) error {
	var fatal error
	for w := range queue {
		if fatal == nil && ctx.Err() == nil {
			if err := p.resolveItem(ctx, res, w.item, summary); err != nil {
				fatal = err
				cancel(err)
			}
		}
		w.done.Done()
	}
	return fatal
}

func (p *Pipeline) resolveItem(ctx context.Context, res *resolver.Resolver, item ingest.Item, summary *report.Summary) error {
	record := item.Record
	outcome, err := res.Resolve(ctx, record)
	if err != nil {
		metrics.RecordError(string(fernerrors.KindOf(err)))
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"category":   record.Category,
			"primary_id": record.PrimaryID,
		}).Error("resolution aborted")
		return err
	}

	summary.AddOutcome(record.Category, len(item.Invalid), outcome)
	metrics.RecordResolution(string(record.Category), string(outcome.State), outcome.Created, len(outcome.Absorbed), outcome.Attempts)
	if outcome.Err != nil {
		p.warn(summary, outcome.Err)
	}

	confidence := weightOf(item.Category, record)
	if outcome.Created {
		if err := p.events.EmitCanonicalCreated(ctx, record.Category, outcome.CanonicalID, record.Identifiers, confidence); err != nil {
			p.warn(summary, err)
		}
	}
	if len(outcome.Absorbed) > 0 {
		if err := p.events.EmitCanonicalMerged(ctx, record.Category, outcome.CanonicalID, outcome.Absorbed, confidence); err != nil {
			p.warn(summary, err)
		}
	}
	return nil
}

// feed walks the source one file at a time, dispatching records to their
// category queue in prefetch windows. A file is fingerprinted once every
// one of its records has been resolved.
func (p *Pipeline) feed(ctx context.Context, ingestor *ingest.Ingestor, fingerprints mappingstore.FingerprintLog, queues map[models.Category]chan work, window int, summary *report.Summary) error {
	for file, err := range ingestor.Files(ctx) {
		if err != nil {
			if isParseError(err) {
				metrics.RecordFile("failed")
				p.warn(summary, err)
				continue
			}
			if cause := context.Cause(ctx); cause != nil {
				return cause
			}
			return err
		}

		summary.AddFile(file.Unchanged)
		if file.Unchanged {
			metrics.RecordFile("unchanged")
			p.logger.WithContext(ctx).WithField("path", file.Path).Debug("file unchanged, skipping")
			continue
		}

		count, err := p.feedFile(ctx, file, queues, window, summary)
		if err != nil {
			return err
		}
		if file.Incomplete {
			metrics.RecordFile("failed")
			p.logger.WithContext(ctx).WithField("path", file.Path).Warn("file not fully read, fingerprint not recorded")
			continue
		}

		fp := models.FileFingerprint{
			SourcePath:  file.Path,
			Fingerprint: file.Fingerprint,
			RecordCount: count,
			ProcessedAt: p.now().UTC(),
		}
		if err := fingerprints.Record(ctx, fp); err != nil {
			return &fernerrors.StoreWriteError{Op: "fingerprint", Attempts: 1, Err: err}
		}
		metrics.RecordFile("processed")
		p.logger.WithContext(ctx).WithFields(map[string]any{
			"path":    file.Path,
			"records": count,
		}).Info("file resolved")
	}
	return nil
}

func (p *Pipeline) feedFile(ctx context.Context, file *ingest.SourceFile, queues map[models.Category]chan work, window int, summary *report.Summary) (int, error) {
	var pending sync.WaitGroup
	batch := make([]ingest.Item, 0, window)
	count := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		p.prefetch(ctx, batch)
		for _, item := range batch {
			pending.Add(1)
			select {
			case queues[item.Record.Category] <- work{item: item, done: &pending}:
			case <-ctx.Done():
				pending.Done()
				return context.Cause(ctx)
			}
		}
		batch = batch[:0]
		return nil
	}

	var err error
	for item, itemErr := range file.Records(ctx) {
		if itemErr != nil {
			if isParseError(itemErr) {
				p.warn(summary, itemErr)
				continue
			}
			err = itemErr
			break
		}
		if item.Skipped != "" {
			summary.AddSkipped(string(item.Skipped))
			continue
		}
		if _, ok := queues[item.Record.Category]; !ok {
			summary.AddSkipped(string(ingest.SkipUnknownCategory))
			continue
		}
		for _, invalid := range item.Invalid {
			p.warn(summary, invalid)
		}

		count++
		batch = append(batch, item)
		if len(batch) >= window {
			if err = flush(); err != nil {
				break
			}
		}
	}
	if err == nil {
		err = flush()
	}
	pending.Wait()

	if cause := context.Cause(ctx); cause != nil {
		return count, cause
	}
	return count, err
}

// prefetch warms the enrichment cache for a window of records. Lookups that
// still fail are reported by the resolver.
func (p *Pipeline) prefetch(ctx context.Context, batch []ingest.Item) {
	if p.enricher == nil {
		return
	}
	var keys []models.IdentifierKey
	for _, item := range batch {
		keys = append(keys, item.Record.Identifiers...)
	}
	if len(keys) == 0 {
		return
	}
	if err := p.enricher.Prefetch(ctx, keys); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("enrichment prefetch interrupted")
	}
}

// Infer runs the selected rules against the graph, writes the inferred
// statements and relationships to opts.Output and applies them when
// opts.Apply is set.
func (p *Pipeline) Infer(ctx context.Context, opts Options, summary *report.Summary) (err error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Pipeline.Infer")
	defer func() {
		tracing.Fail(span, err)
		span.End()
	}()

	if p.graph == nil {
		return errors.New("inference requires a graph store")
	}

	rules, err := inference.LoadRules(p.cfg.Inference.RulesFile)
	if err != nil {
		return err
	}
	selected, err := inference.Select(rules, p.cfg.Inference.Rules)
	if err != nil {
		return err
	}

	engine := inference.NewEngine(p.graph, selected, p.cfg.Inference, p.logger)
	result, err := engine.Run(ctx)
	if err != nil {
		return err
	}
	for _, ruleErr := range result.Errors {
		p.warn(summary, ruleErr)
	}
	for _, stats := range result.Stats {
		metrics.RecordRule(stats.Rule, float64(stats.DurationMS)/1000, stats.Filtered, stats.BelowThreshold, stats.GroundTruth, stats.Emitted)
	}

	statements, err := create(opts.Output, InferredStatementsFile)
	if err != nil {
		return err
	}
	defer statements.Close()
	relationships, err := create(opts.Output, InferredRelationshipsFile)
	if err != nil {
		return err
	}
	defer relationships.Close()

	em := emitter.New(p.graph, p.cfg.Inference.BatchSize, p.logger)
	inferred, err := em.Emit(ctx, result, statements, relationships, opts.Apply)
	if err != nil {
		return err
	}
	summary.SetInference(inferred)

	if opts.Apply {
		if err := p.events.EmitRelationshipsInferred(ctx, result.Relationships); err != nil {
			p.warn(summary, err)
		}
	}

	p.logger.WithContext(ctx).WithFields(fernctx.Fields(ctx)).WithField("relationships", inferred.Relationships).Info("inference complete")
	if err := statements.Close(); err != nil {
		return err
	}
	return relationships.Close()
}

// Run resolves, then infers over the resulting graph.
func (p *Pipeline) Run(ctx context.Context, opts Options, summary *report.Summary) (err error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Pipeline.Run")
	defer func() {
		tracing.Fail(span, err)
		span.End()
	}()

	if err := p.Resolve(ctx, opts, summary); err != nil {
		return err
	}
	return p.Infer(ctx, opts, summary)
}

func (p *Pipeline) warn(summary *report.Summary, err error) {
	summary.AddError(err)
	metrics.RecordError(string(fernerrors.KindOf(err)))
}

// weightOf is the priority weight of the record's strongest identifier.
func weightOf(cat *config.CategoryConfig, record *models.EntityRecord) float64 {
	if cat == nil || len(record.Identifiers) == 0 {
		return 0
	}
	best := len(cat.Systems)
	for _, k := range record.Identifiers {
		best = min(best, cat.Rank(k.System))
	}
	if best >= len(cat.Systems) {
		return 0
	}
	return cat.Systems[best].Weight
}

func create(dir, name string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", name, err)
	}
	return f, nil
}

func isParseError(err error) bool {
	var pe *fernerrors.ParseError
	return errors.As(err, &pe)
}
