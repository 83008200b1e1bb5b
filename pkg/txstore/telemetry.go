package txstore

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/mirkobrombin/go-txstate/pkg/txstore"

type instruments struct {
	casAttempts        metric.Int64Counter
	casConflicts       metric.Int64Counter
	idsAllocated       metric.Int64Counter
	contentionExceeded metric.Int64Counter
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	casAttempts, err := meter.Int64Counter(
		"txstore.cas.attempts",
		metric.WithDescription("Compare-exchange attempts issued by retry loops."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	casConflicts, err := meter.Int64Counter(
		"txstore.cas.conflicts",
		metric.WithDescription("Compare-exchange attempts rejected by the store."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	idsAllocated, err := meter.Int64Counter(
		"txstore.ids.allocated",
		metric.WithDescription("Transaction ids handed out."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	contentionExceeded, err := meter.Int64Counter(
		"txstore.contention.exceeded",
		metric.WithDescription("Retry loops that gave up."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &instruments{
		casAttempts:        casAttempts,
		casConflicts:       casConflicts,
		idsAllocated:       idsAllocated,
		contentionExceeded: contentionExceeded,
	}, nil
}

func (s *Store) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "txstore."+name, trace.WithAttributes(attrs...))
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
