// Package sink delivers reconciliation results to their destinations: a
// local CSV file, the relational store, a Kafka stream, InfluxDB and an S3
// parquet archive.
package sink

import (
	"context"
	"errors"
	"sync"

	"github.com/lucaslui/hems/roster-reconciler/internal/model"
)

type Sink interface {
	Write(ctx context.Context, res model.ReconciliationResult) error
	Close(ctx context.Context) error
}

type Writer interface {
	Write(ctx context.Context, res model.ReconciliationResult) error
}

type writerOnly struct{ Writer }

func (writerOnly) Close(context.Context) error { return nil }

// FromWriter adapts a destination with no shutdown of its own.
func FromWriter(w Writer) Sink { return writerOnly{w} }

// Multi writes every result to every sink. A failing sink does not stop the
// others; their errors are joined.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Multi{sinks: out}
}

func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) Write(ctx context.Context, res model.ReconciliationResult) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all sinks concurrently.
func (m *Multi) Close(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range m.sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			if err := s.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return errors.Join(errs...)
}
