// Package publish forwards committed source rows to downstream consumers.
package publish

import (
	"context"
	"errors"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/source"
)

// Sink receives every row of a batch after the batch is committed.
// Delivery is at least once: a batch replayed after a crash is sent again.
type Sink interface {
	Name() string
	Publish(ctx context.Context, table, node string, records []source.Record) error
	Close() error
}

// Noop discards everything.
type Noop struct{}

func (Noop) Name() string { return "noop" }

func (Noop) Publish(context.Context, string, string, []source.Record) error { return nil }

func (Noop) Close() error { return nil }

// Multi fans a batch out to several sinks. Every sink is attempted; errors
// are joined.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Publish(ctx context.Context, table, node string, records []source.Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, table, node, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
