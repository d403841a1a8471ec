// Package classify selects and orders source tables by cadence, year and week.
package classify

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Cadence is the sampling interval class of a source table.
type Cadence string

const (
	Cadence5Min  Cadence = "5min"
	Cadence15Min Cadence = "15min"
	CadenceMGW   Cadence = "mgw"
)

var (
	ErrNoYear = errors.New("no _A<year> token")
	ErrNoWeek = errors.New("no _S<week>_ token")

	yearPattern = regexp.MustCompile(`(?i)_A(\d{4})$`)
	weekPattern = regexp.MustCompile(`(?i)_S(\d+)_`)
	baseSuffix  = regexp.MustCompile(`(?i)_S\d+_A\d{4}$`)
)

// Family binds a cadence to the table-name pattern of its tables. The first
// capture group of Pattern, when present, is the node prefix.
type Family struct {
	Cadence Cadence
	Pattern *regexp.Regexp
}

// DefaultFamilies returns the 5-minute, 15-minute and media-gateway families.
func DefaultFamilies() []Family {
	return []Family{
		{Cadence: Cadence5Min, Pattern: regexp.MustCompile(`(?i)^(CALIS|MEIND|RAIND)[-_]APG43[_-]5_S\d+_A\d{4}$`)},
		{Cadence: Cadence15Min, Pattern: regexp.MustCompile(`(?i)^(CALIS|MEIND|RAIND)[-_]APG43[_-]15_S\d+_A\d{4}$`)},
		{Cadence: CadenceMGW, Pattern: regexp.MustCompile(`(?i)^([A-Za-z0-9]+)MGW_S\d+_A\d{4}$`)},
	}
}

// CompileFamilies builds families from a cadence -> pattern map, ordered by
// the well-known cadences first and then by name.
func CompileFamilies(patterns map[string]string) ([]Family, error) {
	names := make([]string, 0, len(patterns))
	for name := range patterns {
		names = append(names, name)
	}
	rank := map[string]int{string(Cadence5Min): 0, string(Cadence15Min): 1, string(CadenceMGW): 2}
	sort.Slice(names, func(i, j int) bool {
		ri, iok := rank[names[i]]
		rj, jok := rank[names[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return names[i] < names[j]
		}
	})

	families := make([]Family, 0, len(names))
	for _, name := range names {
		re, err := regexp.Compile(patterns[name])
		if err != nil {
			return nil, fmt.Errorf("family %s: %w", name, err)
		}
		families = append(families, Family{Cadence: Cadence(name), Pattern: re})
	}
	return families, nil
}

// SourceTable is derived purely from a table name.
type SourceTable struct {
	Name    string
	Cadence Cadence
	Node    string
	Year    int
	Week    int
}

// BaseName strips the _S<week>_A<year> suffix; reference datasets are keyed by it.
func (t SourceTable) BaseName() string {
	return BaseName(t.Name)
}

// BaseName strips the _S<week>_A<year> suffix from a table name.
func BaseName(name string) string {
	return baseSuffix.ReplaceAllString(name, "")
}

// ParseTable extracts year, week and node from name for the given family.
func ParseTable(name string, family Family) (SourceTable, error) {
	t := SourceTable{Name: name, Cadence: family.Cadence}

	ym := yearPattern.FindStringSubmatch(name)
	if ym == nil {
		return t, ErrNoYear
	}
	t.Year, _ = strconv.Atoi(ym[1])

	wm := weekPattern.FindStringSubmatch(name)
	if wm == nil {
		return t, ErrNoWeek
	}
	week, err := strconv.Atoi(wm[1])
	if err != nil {
		return t, fmt.Errorf("%w: %v", ErrNoWeek, err)
	}
	t.Week = week

	if family.Pattern != nil {
		if m := family.Pattern.FindStringSubmatch(name); len(m) > 1 {
			t.Node = strings.ToUpper(m[1])
		}
	}
	if t.Node == "" {
		t.Node = "UNKNOWN"
	}
	return t, nil
}

// Diagnostic records why a table name was dropped.
type Diagnostic struct {
	Table  string
	Reason string
}

// Result is the output of a classification pass.
type Result struct {
	// Tables is the global (year, week) ordering across all families.
	Tables    []SourceTable
	ByCadence map[Cadence][]SourceTable
	Dropped   []Diagnostic
}

// Names returns the table names in global order.
func (r Result) Names() []string {
	out := make([]string, len(r.Tables))
	for i, t := range r.Tables {
		out[i] = t.Name
	}
	return out
}

// Classifier filters table names by family pattern and minimum year.
type Classifier struct {
	Families []Family
	MinYear  int
	Logger   *zap.Logger
}

// New returns a classifier. A nil logger is replaced by a no-op logger.
func New(families []Family, minYear int, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{Families: families, MinYear: minYear, Logger: logger}
}

// Classify keeps names matching a family whose year is >= MinYear, sorts each
// family by (year, week), concatenates families and re-sorts globally.
func (c *Classifier) Classify(names []string) Result {
	res := Result{ByCadence: map[Cadence][]SourceTable{}}
	claimed := map[string]bool{}

	var all []SourceTable
	for _, family := range c.Families {
		var matched []SourceTable
		for _, name := range names {
			if claimed[name] || !family.Pattern.MatchString(name) {
				continue
			}
			claimed[name] = true

			t, err := ParseTable(name, family)
			if err != nil {
				res.Dropped = append(res.Dropped, Diagnostic{Table: name, Reason: err.Error()})
				c.Logger.Warn("Skipping table", zap.String("table", name), zap.Error(err))
				continue
			}
			if t.Year < c.MinYear {
				reason := fmt.Sprintf("year %d < %d", t.Year, c.MinYear)
				res.Dropped = append(res.Dropped, Diagnostic{Table: name, Reason: reason})
				c.Logger.Debug("Skipping table", zap.String("table", name), zap.String("reason", reason))
				continue
			}
			matched = append(matched, t)
		}
		sortByYearWeek(matched)
		res.ByCadence[family.Cadence] = matched
		all = append(all, matched...)

		c.Logger.Info("Classified family",
			zap.String("cadence", string(family.Cadence)),
			zap.Int("tables", len(matched)))
	}

	sortByYearWeek(all)
	res.Tables = all
	return res
}

func sortByYearWeek(tables []SourceTable) {
	sort.SliceStable(tables, func(i, j int) bool {
		if tables[i].Year != tables[j].Year {
			return tables[i].Year < tables[j].Year
		}
		return tables[i].Week < tables[j].Week
	})
}
