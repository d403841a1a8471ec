// Package source reads raw counter rows from the network-element store.
package source

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// RawRecord is one source row before indicator resolution. Value is nil when
// the source holds NULL.
type RawRecord struct {
	Timestamp   time.Time
	IndicatorID int64
	Value       *float64
}

// Record is a resolved row: the indicator id replaced by its canonical name.
// Offset is the row's position in the table's ordered scan.
type Record struct {
	Offset    int64
	Timestamp time.Time
	Indicator string
	Value     *float64
}

// Store is the read side of a source database.
type Store interface {
	ListTables(ctx context.Context) ([]string, error)
	CountRows(ctx context.Context, table string) (int64, error)
	// FetchBatch returns at most limit rows starting at offset, ordered by
	// timestamp then indicator id.
	FetchBatch(ctx context.Context, table string, offset int64, limit int) ([]RawRecord, error)
	Close() error
}

var identPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// QuoteIdent quotes a table name for MySQL. Names outside [A-Za-z0-9_-] are
// rejected rather than escaped.
func QuoteIdent(name string) (string, error) {
	if !identPattern.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return "`" + name + "`", nil
}
