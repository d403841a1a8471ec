package publish

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/source"
	"go.uber.org/zap"
)

const DefaultStreamPrefix = "kpietl"

// StreamWriter appends entries to a named stream.
type StreamWriter interface {
	XAddBatch(ctx context.Context, stream string, entries []map[string]interface{}) (int, error)
	Close() error
}

// Stream publishes one entry per row on the stream "<prefix>:<source>:<table>",
// so consumers read rows keyed by (source, table).
type Stream struct {
	Writer StreamWriter
	Prefix string
	Source string
	Logger *zap.Logger
}

func NewStream(w StreamWriter, prefix, sourceName string, logger *zap.Logger) *Stream {
	if prefix == "" {
		prefix = DefaultStreamPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{Writer: w, Prefix: prefix, Source: sourceName, Logger: logger}
}

func (s *Stream) Name() string { return "redis" }

// StreamName returns the stream rows of table are appended to.
func (s *Stream) StreamName(table string) string {
	return s.Prefix + ":" + s.Source + ":" + table
}

func (s *Stream) Publish(ctx context.Context, table, node string, records []source.Record) error {
	if len(records) == 0 {
		return nil
	}
	entries := make([]map[string]interface{}, len(records))
	for i, r := range records {
		value := ""
		if r.Value != nil {
			value = strconv.FormatFloat(*r.Value, 'f', -1, 64)
		}
		entries[i] = map[string]interface{}{
			"source":     s.Source,
			"table":      table,
			"node":       node,
			"row_offset": r.Offset,
			"date":       r.Timestamp.UTC().Format(time.DateTime),
			"indicateur": r.Indicator,
			"valeur":     value,
		}
	}

	stream := s.StreamName(table)
	n, err := s.Writer.XAddBatch(ctx, stream, entries)
	if err != nil {
		return fmt.Errorf("publish %s: %d/%d rows: %w", stream, n, len(entries), err)
	}
	s.Logger.Debug("Published rows", zap.String("stream", stream), zap.Int("rows", n))
	return nil
}

func (s *Stream) Close() error { return s.Writer.Close() }
