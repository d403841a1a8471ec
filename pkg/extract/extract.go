// Package extract pages source tables from their checkpoint, resolving
// indicator ids and retrying transient fetch faults.
package extract

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/checkpoint"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/kpi"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/reference"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/retry"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/source"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/utils"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

var (
	// ErrReferenceMissing means the table's family has no indicator dataset.
	ErrReferenceMissing = errors.New("indicator reference missing")
	// ErrSourceShrank means the source now holds fewer rows than were
	// already extracted.
	ErrSourceShrank = errors.New("source table shrank below extracted count")
)

const (
	DefaultBatchSize = 5000
	// maxBatchGrowth bounds how far a batch may grow to reach a timestamp
	// boundary.
	maxBatchGrowth = 64
)

// References resolves the reference mapping of a table.
type References interface {
	Load(table string) (*reference.Mapping, error)
}

type Config struct {
	BatchSize    int           `koanf:"batch_size"`
	FetchTimeout time.Duration `koanf:"fetch_timeout"`
	CountTimeout time.Duration `koanf:"count_timeout"`
	Retry        retry.Config  `koanf:"-"`
}

// Batch is one fetched page. Fetched counts every source row consumed,
// resolved or not, so Offset+Fetched is the next offset.
type Batch struct {
	Table      string
	Offset     int64
	Fetched    int64
	Unresolved int64
	Watermark  time.Time
	Records    []source.Record
}

func (b Batch) Empty() bool { return b.Fetched == 0 }

// NextOffset is the offset following this batch.
func (b Batch) NextOffset() int64 { return b.Offset + b.Fetched }

// Extractor reads batches for one table at a time. It keeps no per-table
// state; progress lives in the checkpoint passed to each call.
//
// When Catalog is set, each reference family is checked once against the
// catalog's counters and direction table.
type Extractor struct {
	Source     source.Store
	References References
	Catalog    *kpi.Catalog
	Config     Config
	Logger     *zap.Logger

	audited *xsync.Map[string, struct{}]
}

func New(src source.Store, refs References, cfg Config, logger *zap.Logger) *Extractor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = retry.FetchConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		Source:     src,
		References: refs,
		Config:     cfg,
		Logger:     logger,
		audited:    xsync.NewMap[string, struct{}](),
	}
}

// Reference returns the table's mapping, or a permanent ErrReferenceMissing
// when it is empty. Such tables are skipped, never extracted with unknown
// names.
func (e *Extractor) Reference(table string) (*reference.Mapping, error) {
	m, err := e.References.Load(table)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %s: %w", ErrReferenceMissing, table, err))
	}
	if m.Empty() {
		return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrReferenceMissing, table))
	}
	e.audit(m)
	return m, nil
}

// audit warns once per family about KPIs the reference only partly covers:
// their missing counters would silently count as zero. Missing counters that
// carry a direction tag are listed apart, since the KPI marker assumes them.
func (e *Extractor) audit(m *reference.Mapping) {
	if e.Catalog == nil {
		return
	}
	if _, loaded := e.audited.LoadOrStore(m.Base, struct{}{}); loaded {
		return
	}
	unknown := map[string]struct{}{}
	for _, c := range m.Missing(e.Catalog.Counters()) {
		unknown[c] = struct{}{}
	}
	var partial, missing []string
	for _, f := range e.Catalog.Formulas {
		var gaps []string
		for _, c := range f.Operands() {
			if _, ok := unknown[c]; ok {
				gaps = append(gaps, c)
			}
		}
		if len(gaps) == 0 || len(gaps) == len(f.Operands()) {
			continue
		}
		partial = append(partial, f.Name)
		missing = append(missing, gaps...)
	}
	if len(partial) == 0 {
		return
	}
	missing = utils.SortedUnique(missing)
	var directed []string
	for _, c := range e.Catalog.DirectedCounters() {
		if slices.Contains(missing, c) {
			directed = append(directed, c)
		}
	}
	e.Logger.Warn("Reference lacks counters of applicable KPIs",
		zap.String("base", m.Base),
		zap.String("path", m.Path),
		zap.Strings("kpis", partial),
		zap.Strings("counters", missing),
		zap.Strings("directed", directed),
	)
}

// Count snapshots the table's row count.
func (e *Extractor) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := retry.WithBackoff(ctx, e.Config.Retry, e.Logger, "count "+table, func() error {
		callCtx, cancel := withTimeout(ctx, e.Config.CountTimeout)
		defer cancel()
		var err error
		n, err = e.Source.CountRows(callCtx, table)
		return err
	})
	return n, err
}

// Next fetches the batch following cp. A full page is trimmed back to the
// last timestamp boundary so no (timestamp, suffix) group straddles two
// batches; a page holding a single timestamp is refetched larger.
func (e *Extractor) Next(ctx context.Context, table string, mapping *reference.Mapping, cp checkpoint.Checkpoint) (Batch, error) {
	batch := Batch{Table: table, Offset: cp.Offset}

	limit := e.Config.BatchSize
	var rows []source.RawRecord
	for {
		var err error
		rows, err = e.fetch(ctx, table, cp.Offset, limit)
		if err != nil {
			return batch, err
		}
		if len(rows) < limit {
			break
		}
		if cut := timestampBoundary(rows); cut > 0 {
			rows = rows[:cut]
			break
		}
		if limit >= e.Config.BatchSize*maxBatchGrowth {
			e.Logger.Warn("Batch holds a single timestamp at maximum size",
				zap.String("table", table),
				zap.Int64("offset", cp.Offset),
				zap.Int("limit", limit),
			)
			break
		}
		limit *= 2
	}

	batch.Fetched = int64(len(rows))
	batch.Records = make([]source.Record, 0, len(rows))
	var firstUnknown int64 = -1
	for i, raw := range rows {
		if raw.Timestamp.After(batch.Watermark) {
			batch.Watermark = raw.Timestamp
		}
		name, ok := mapping.Resolve(raw.IndicatorID)
		if !ok {
			if firstUnknown < 0 {
				firstUnknown = raw.IndicatorID
			}
			batch.Unresolved++
			continue
		}
		batch.Records = append(batch.Records, source.Record{
			Offset:    cp.Offset + int64(i),
			Timestamp: raw.Timestamp,
			Indicator: name,
			Value:     raw.Value,
		})
	}

	if batch.Unresolved > 0 {
		e.Logger.Warn("Unresolved indicator ids excluded",
			zap.String("table", table),
			zap.Int64("offset", cp.Offset),
			zap.Int64("unresolved", batch.Unresolved),
			zap.Int64("first_id", firstUnknown),
		)
	}
	return batch, nil
}

func (e *Extractor) fetch(ctx context.Context, table string, offset int64, limit int) ([]source.RawRecord, error) {
	var rows []source.RawRecord
	err := retry.WithBackoff(ctx, e.Config.Retry, e.Logger, "fetch "+table, func() error {
		callCtx, cancel := withTimeout(ctx, e.Config.FetchTimeout)
		defer cancel()
		var err error
		rows, err = e.Source.FetchBatch(callCtx, table, offset, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("table %s offset %d: %w", table, offset, err)
	}
	return rows, nil
}

// Settle decides what an empty batch means by re-counting the table: equal
// to the checkpoint offset is complete, larger means rows arrived during the
// run, smaller is ErrSourceShrank.
func (e *Extractor) Settle(ctx context.Context, cp checkpoint.Checkpoint) (total int64, complete bool, err error) {
	total, err = e.Count(ctx, cp.Table)
	if err != nil {
		return 0, false, err
	}
	switch {
	case total == cp.Extracted:
		return total, true, nil
	case total > cp.Extracted:
		return total, false, nil
	default:
		return total, false, retry.Permanent(fmt.Errorf("%w: %s has %d rows, %d extracted", ErrSourceShrank, cp.Table, total, cp.Extracted))
	}
}

// timestampBoundary returns the index of the first row carrying the last
// row's timestamp, or 0 if every row shares it.
func timestampBoundary(rows []source.RawRecord) int {
	last := rows[len(rows)-1].Timestamp
	i := len(rows) - 1
	for i > 0 && rows[i-1].Timestamp.Equal(last) {
		i--
	}
	return i
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
