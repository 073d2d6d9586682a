// Package ingest walks a directory of intermediate entity records and yields
// classified records with their extracted identifiers.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/config"
	fernerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/identifiers"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ErrSourceUnavailable wraps failures to read the source tree itself.
var ErrSourceUnavailable = errors.New("source unavailable")

// maxLineBytes bounds a single JSONL record.
const maxLineBytes = 16 * 1024 * 1024

// SkipReason explains why an item carries no record.
type SkipReason string

const (
	SkipUnknownCategory SkipReason = "unknown_category"
	SkipRelationship    SkipReason = "relationship_record"
)

// FingerprintLog answers whether a file was fully processed by an earlier run.
type FingerprintLog interface {
	Seen(ctx context.Context, path, fingerprint string) (bool, error)
}

// Item is one ingested record.
type Item struct {
	Category *config.CategoryConfig
	Record   *models.EntityRecord
	// Invalid holds identifier values dropped by normalization
	Invalid []error
	Skipped SkipReason
	Raw     models.RawRecord
}

// SourceFile is one recognized file in the source tree.
type SourceFile struct {
	Path        string
	Fingerprint string
	// Unchanged is set in incremental mode when the fingerprint log already
	// holds this file's fingerprint
	Unchanged bool
	// Incomplete is set when reading stopped before the end of the file
	Incomplete bool

	ingestor *Ingestor
}

// Ingestor reads the source tree.
type Ingestor struct {
	root         string
	extractor    *identifiers.Extractor
	fingerprints FingerprintLog
	logger       ectologger.Logger
}

// New creates an Ingestor. A nil fingerprint log disables incremental skipping.
func New(root string, extractor *identifiers.Extractor, fingerprints FingerprintLog, logger ectologger.Logger) *Ingestor {
	return &Ingestor{
		root:         root,
		extractor:    extractor,
		fingerprints: fingerprints,
		logger:       logger,
	}
}

// Recognized reports whether the file extension is an ingestible record file.
func Recognized(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl", ".ndjson":
		return true
	default:
		return false
	}
}

// Files lazily walks the source tree in lexical order. Each call restarts the walk.
func (i *Ingestor) Files(ctx context.Context) iter.Seq2[*SourceFile, error] {
	return func(yield func(*SourceFile, error) bool) {
		ctx, span := tracing.StartSpan(ctx, "ingest.Ingestor.Files")
		defer span.End()

		info, err := os.Stat(i.root)
		if err != nil {
			yield(nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err))
			return
		}
		if !info.IsDir() {
			yield(nil, fmt.Errorf("%w: %s is not a directory", ErrSourceUnavailable, i.root))
			return
		}

		stopped := false
		walkErr := filepath.WalkDir(i.root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == i.root {
					return err
				}
				i.logger.WithContext(ctx).WithError(err).WithField("path", path).Warn("skipping unreadable path")
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() || !Recognized(path) {
				return nil
			}

			file, err := i.describe(ctx, path, d)
			if !yield(file, err) {
				stopped = true
				return filepath.SkipAll
			}
			return nil
		})
		if walkErr != nil && !stopped {
			if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded) {
				yield(nil, walkErr)
				return
			}
			yield(nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, walkErr))
		}
	}
}

func (i *Ingestor) describe(ctx context.Context, path string, d fs.DirEntry) (*SourceFile, error) {
	info, err := d.Info()
	if err != nil {
		return nil, fernerrors.NewParseError(path, 0, err)
	}

	rel, err := filepath.Rel(i.root, path)
	if err != nil {
		rel = path
	}
	file := &SourceFile{
		Path:        rel,
		Fingerprint: fingerprint.File(rel, info),
		ingestor:    i,
	}

	if i.fingerprints != nil {
		seen, err := i.fingerprints.Seen(ctx, file.Path, file.Fingerprint)
		if err != nil {
			return nil, err
		}
		file.Unchanged = seen
	}
	return file, nil
}

// All flattens every file into one lazy record sequence, skipping unchanged
// files. Per record parse failures are yielded as *errors.ParseError and the
// sequence continues; any other error ends it.
func (i *Ingestor) All(ctx context.Context) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		for file, err := range i.Files(ctx) {
			if err != nil {
				if !yield(Item{}, err) {
					return
				}
				if !isParseError(err) {
					return
				}
				continue
			}
			if file.Unchanged {
				continue
			}
			for item, err := range file.Records(ctx) {
				if !yield(item, err) {
					return
				}
			}
		}
	}
}

// Records lazily parses the file.
func (f *SourceFile) Records(ctx context.Context) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		full := filepath.Join(f.ingestor.root, f.Path)
		fh, err := os.Open(full)
		if err != nil {
			f.Incomplete = true
			yield(Item{}, fernerrors.NewParseError(f.Path, 0, err))
			return
		}
		defer fh.Close()

		switch strings.ToLower(filepath.Ext(f.Path)) {
		case ".json":
			f.readDocument(ctx, fh, yield)
		default:
			f.readLines(ctx, fh, yield)
		}
	}
}

func (f *SourceFile) readDocument(ctx context.Context, fh *os.File, yield func(Item, error) bool) {
	data, err := readAll(fh)
	if err != nil {
		f.Incomplete = true
		yield(Item{}, fernerrors.NewParseError(f.Path, 0, err))
		return
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return
	}

	if trimmed[0] != '[' {
		f.emit(ctx, trimmed, 1, yield)
		return
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(trimmed, &elements); err != nil {
		yield(Item{}, fernerrors.NewParseError(f.Path, 0, err))
		return
	}
	for idx, element := range elements {
		if ctx.Err() != nil {
			yield(Item{}, ctx.Err())
			return
		}
		if !f.emit(ctx, element, idx+1, yield) {
			return
		}
	}
}

// readLines yields one record per line. A line longer than maxLineBytes is
// discarded and reported without ending the file.
func (f *SourceFile) readLines(ctx context.Context, fh *os.File, yield func(Item, error) bool) {
	reader := bufio.NewReaderSize(fh, 64*1024)

	var buf []byte
	size, line := 0, 0
	oversize := false
	for {
		chunk, err := reader.ReadSlice('\n')
		size += len(chunk)
		switch {
		case oversize:
		case size > maxLineBytes:
			oversize = true
			buf = buf[:0]
		default:
			buf = append(buf, chunk...)
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			f.Incomplete = true
			yield(Item{}, fernerrors.NewParseError(f.Path, line+1, err))
			return
		}

		if size > 0 {
			line++
			if ctx.Err() != nil {
				yield(Item{}, ctx.Err())
				return
			}
			if oversize {
				if !yield(Item{}, fernerrors.NewParseError(f.Path, line, fmt.Errorf("line exceeds %d bytes", maxLineBytes))) {
					return
				}
			} else if text := bytes.TrimSpace(buf); len(text) > 0 {
				if !f.emit(ctx, text, line, yield) {
					return
				}
			}
		}
		if err != nil {
			return
		}
		buf, size, oversize = buf[:0], 0, false
	}
}

// emit decodes one record and yields it. It returns false when the consumer stopped.
func (f *SourceFile) emit(ctx context.Context, data []byte, index int, yield func(Item, error) bool) bool {
	var raw models.RawRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return yield(Item{}, fernerrors.NewParseError(f.Path, index, err))
	}

	if raw.RelationshipType != "" {
		return yield(Item{Skipped: SkipRelationship, Raw: raw}, nil)
	}
	if strings.TrimSpace(raw.EntityType) == "" {
		return yield(Item{}, fernerrors.NewParseError(f.Path, index, errors.New("missing entity_type")))
	}

	cat, ok := f.ingestor.extractor.Classify(raw.EntityType)
	if !ok {
		return yield(Item{Skipped: SkipUnknownCategory, Raw: raw}, nil)
	}

	record, invalid := f.ingestor.extractor.Extract(ctx, cat, raw, models.RecordSource{Path: f.Path, Index: index})
	return yield(Item{Category: cat, Record: record, Invalid: invalid, Raw: raw}, nil)
}

func readAll(fh *os.File) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(fh); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isParseError(err error) bool {
	var pe *fernerrors.ParseError
	return errors.As(err, &pe)
}
