package kpi

import (
	"sort"
	"strings"
	"time"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/source"
	"go.uber.org/zap"
)

// SuffixSeparator splits an indicator name into counter and suffix.
const SuffixSeparator = "."

// Group holds the counters of one table sharing a timestamp and a suffix.
// Nulls lists counters reported with a NULL value; they are not in Values.
type Group struct {
	Timestamp time.Time
	Suffix    *string
	Values    map[string]float64
	Nulls     map[string]struct{}
}

// Result is one KPI value for one group. Value is nil when the formula is
// undefined for the group. Operands carries the declared counters, nil when
// absent or NULL in the group.
//
// Suffix is the directional leg the KPI describes; GroupSuffix is the full
// suffix of the group it was computed from. Two routes sharing a leg yield
// the same Suffix but distinct GroupSuffix values.
type Result struct {
	Timestamp   time.Time
	Node        string
	GroupSuffix *string
	Suffix      *string
	Direction   string
	KPI         string
	Value       *float64
	Operands    map[string]*float64
}

// SplitIndicator splits "Counter.suffix" at the first separator. Names
// without a separator have a nil suffix.
func SplitIndicator(name string) (string, *string) {
	base, suffix, ok := strings.Cut(name, SuffixSeparator)
	if !ok {
		return name, nil
	}
	return base, &suffix
}

// ResolveSuffix picks the half of an "A-B" suffix a KPI describes: the left
// leg for outgoing KPIs, the right leg for incoming ones. Mixed and
// undirected KPIs keep the suffix unchanged.
func ResolveSuffix(suffix *string, marker string) *string {
	if suffix == nil {
		return nil
	}
	left, right, ok := strings.Cut(*suffix, "-")
	if !ok {
		return suffix
	}
	switch marker {
	case MarkerOut:
		return &left
	case MarkerIn:
		return &right
	default:
		return suffix
	}
}

type groupKey struct {
	ts        int64
	suffix    string
	hasSuffix bool
}

// GroupRecords groups rows by (timestamp, suffix), ordered by timestamp and
// then suffix with the unsuffixed group first. Rows with a NULL value are
// recorded in Nulls. A counter repeated within a group keeps its last value.
func GroupRecords(rows []source.Record) []Group {
	index := make(map[groupKey]int)
	var groups []Group
	for _, row := range rows {
		base, suffix := SplitIndicator(row.Indicator)
		key := groupKey{ts: row.Timestamp.UnixNano()}
		if suffix != nil {
			key.suffix, key.hasSuffix = *suffix, true
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Timestamp: row.Timestamp, Suffix: suffix, Values: map[string]float64{}, Nulls: map[string]struct{}{}})
		}
		if row.Value != nil {
			groups[i].Values[base] = *row.Value
			delete(groups[i].Nulls, base)
		} else {
			groups[i].Nulls[base] = struct{}{}
			delete(groups[i].Values, base)
		}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		switch {
		case a.Suffix == nil:
			return b.Suffix != nil
		case b.Suffix == nil:
			return false
		default:
			return *a.Suffix < *b.Suffix
		}
	})
	return groups
}

// Engine evaluates a catalog against grouped counters. It holds no mutable
// state and is safe for concurrent use.
type Engine struct {
	Catalog *Catalog
	Logger  *zap.Logger

	markers map[string]string
}

func NewEngine(catalog *Catalog, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	markers := make(map[string]string, len(catalog.Formulas))
	for _, f := range catalog.Formulas {
		markers[f.Name] = catalog.Marker(f)
	}
	return &Engine{Catalog: catalog, Logger: logger, markers: markers}
}

// Aggregate groups rows and evaluates every applicable KPI per group.
func (e *Engine) Aggregate(node string, rows []source.Record) []Result {
	return e.Evaluate(node, GroupRecords(rows))
}

// Evaluate yields one Result per (group, KPI) where the group holds at least
// one of the KPI's counters. A KPI with a NULL operand is undefined.
func (e *Engine) Evaluate(node string, groups []Group) []Result {
	var out []Result
	for _, g := range groups {
		for _, f := range e.Catalog.Formulas {
			operands, present, null := snapshot(f, g)
			if !present {
				continue
			}
			marker := e.markers[f.Name]
			res := Result{
				Timestamp:   g.Timestamp,
				Node:        node,
				GroupSuffix: g.Suffix,
				Suffix:      ResolveSuffix(g.Suffix, marker),
				Direction:   marker,
				KPI:         f.Name,
				Operands:    operands,
			}
			if !null {
				res.Value = f.Evaluate(g.Values)
			}
			if res.Value == nil && e.Logger.Core().Enabled(zap.DebugLevel) {
				e.Logger.Debug("KPI undefined for group",
					zap.String("kpi", f.Name),
					zap.String("node", node),
					zap.Time("date", g.Timestamp),
					zap.Stringp("suffix", g.Suffix),
				)
			}
			out = append(out, res)
		}
	}
	return out
}

// snapshot copies the declared operands of f out of g. present reports
// whether g reported any of them, null whether any was NULL.
func snapshot(f Formula, g Group) (operands map[string]*float64, present, null bool) {
	names := f.Operands()
	operands = make(map[string]*float64, len(names))
	for _, name := range names {
		if v, ok := g.Values[name]; ok {
			operands[name] = &v
			present = true
			continue
		}
		operands[name] = nil
		if _, ok := g.Nulls[name]; ok {
			present, null = true, true
		}
	}
	return operands, present, null
}
