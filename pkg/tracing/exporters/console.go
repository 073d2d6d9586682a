package exporters

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/sdk/trace"
)

// ConsoleExporter writes one JSON line per finished span.
type ConsoleExporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleExporter creates an exporter writing to w.
func NewConsoleExporter(w io.Writer) *ConsoleExporter {
	return &ConsoleExporter{w: w}
}

type consoleSpan struct {
	Name       string        `json:"name"`
	TraceID    string        `json:"trace_id"`
	SpanID     string        `json:"span_id"`
	ParentID   string        `json:"parent_id,omitempty"`
	Start      time.Time     `json:"start"`
	Duration   time.Duration `json:"duration_ns"`
	Status     string        `json:"status"`
	StatusDesc string        `json:"status_description,omitempty"`
}

func (c *ConsoleExporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	enc := json.NewEncoder(c.w)
	for _, span := range spans {
		if err := ctx.Err(); err != nil {
			return err
		}
		out := consoleSpan{
			Name:       span.Name(),
			TraceID:    span.SpanContext().TraceID().String(),
			SpanID:     span.SpanContext().SpanID().String(),
			Start:      span.StartTime(),
			Duration:   span.EndTime().Sub(span.StartTime()),
			Status:     span.Status().Code.String(),
			StatusDesc: span.Status().Description,
		}
		if span.Parent().IsValid() {
			out.ParentID = span.Parent().SpanID().String()
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConsoleExporter) Shutdown(ctx context.Context) error {
	return nil
}
