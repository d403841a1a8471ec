// Package reference resolves numeric indicator ids to canonical counter names
// using one CSV dataset per table family.
package reference

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/classify"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/utils"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

const (
	colID   = "id_indicateur"
	colName = "indicateur"
)

// Mapping is the id -> name dataset of one table family. It is immutable
// once loaded and shared between every table of the family.
type Mapping struct {
	Base  string
	Path  string
	names map[int64]string
}

// Resolve returns the canonical name of id.
func (m *Mapping) Resolve(id int64) (string, bool) {
	if m == nil {
		return "", false
	}
	name, ok := m.names[id]
	return name, ok
}

func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.names)
}

// Empty reports whether the mapping resolves nothing. Tables with an empty
// mapping must not be extracted.
func (m *Mapping) Empty() bool { return m.Len() == 0 }

// Counters returns the sorted, distinct base counter names (the part before
// the first '.') known to the mapping.
func (m *Mapping) Counters() []string {
	if m == nil {
		return nil
	}
	bases := make([]string, 0, len(m.names))
	for _, name := range m.names {
		base, _, _ := strings.Cut(name, ".")
		bases = append(bases, base)
	}
	return utils.SortedUnique(bases)
}

// Missing returns the entries of counters the mapping cannot produce.
func (m *Mapping) Missing(counters []string) []string {
	known := map[string]struct{}{}
	for _, c := range m.Counters() {
		known[c] = struct{}{}
	}
	var out []string
	for _, c := range counters {
		if _, ok := known[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}

// Loader reads family datasets from Dir and caches them by base name.
type Loader struct {
	Dir    string
	Logger *zap.Logger

	cache *xsync.Map[string, *Mapping]
}

func NewLoader(dir string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		Dir:    dir,
		Logger: logger,
		cache:  xsync.NewMap[string, *Mapping](),
	}
}

// PathFor returns the dataset path for a table: indicateur_<base>.csv.
func (l *Loader) PathFor(table string) string {
	return filepath.Join(l.Dir, "indicateur_"+classify.BaseName(table)+".csv")
}

// Load returns the mapping for table. A missing dataset yields an empty
// mapping and a warning, not an error; it is not cached so a dataset added
// later is picked up by the next run. Malformed datasets return an error.
func (l *Loader) Load(table string) (*Mapping, error) {
	base := classify.BaseName(table)
	if m, ok := l.cache.Load(base); ok {
		return m, nil
	}

	path := l.PathFor(table)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.Logger.Warn("Indicator reference not found",
				zap.String("table", table),
				zap.String("path", path),
			)
			return &Mapping{Base: base, Path: path}, nil
		}
		return nil, fmt.Errorf("open reference %s: %w", path, err)
	}
	defer f.Close()

	m, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse reference %s: %w", path, err)
	}
	m.Base = base
	m.Path = path

	actual, loaded := l.cache.LoadOrStore(base, m)
	if !loaded {
		l.Logger.Info("Indicator reference loaded",
			zap.String("base", base),
			zap.String("path", path),
			zap.Int("indicators", m.Len()),
		)
	}
	return actual, nil
}

// Parse reads a reference CSV with a header row naming ID_indicateur and
// indicateur (any case, any order). Other columns are ignored.
func Parse(r io.Reader) (*Mapping, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &Mapping{names: map[int64]string{}}, nil
		}
		return nil, err
	}
	idCol, nameCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))) {
		case colID:
			idCol = i
		case colName:
			nameCol = i
		}
	}
	if idCol < 0 || nameCol < 0 {
		return nil, fmt.Errorf("header %v lacks ID_indicateur/indicateur", header)
	}

	m := &Mapping{names: map[int64]string{}}
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, err
		}
		if len(rec) <= idCol || len(rec) <= nameCol {
			return nil, fmt.Errorf("line %d: %d fields", line, len(rec))
		}
		id, err := strconv.ParseInt(strings.TrimSpace(rec[idCol]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: id %q: %w", line, rec[idCol], err)
		}
		name := strings.TrimSpace(rec[nameCol])
		if name == "" {
			continue
		}
		m.names[id] = name
	}
	return m, nil
}
