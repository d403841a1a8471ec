// Package checkpoint holds per-table extraction progress and its durable stores.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the extraction state of one table.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusComplete   Status = "COMPLETE"
)

// ErrRegression is returned when a Put would move a table's offset backwards.
var ErrRegression = errors.New("checkpoint offset regression")

// Checkpoint is the durable progress of one source table. Offset never
// decreases; Completed implies Extracted == Total for the run that set it.
type Checkpoint struct {
	Table      string    `json:"table"`
	Offset     int64     `json:"offset"`
	Watermark  time.Time `json:"watermark,omitempty"`
	Extracted  int64     `json:"extracted_count"`
	Total      int64     `json:"total_count"`
	Unresolved int64     `json:"unresolved_count"`
	Completed  bool      `json:"completed"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Status derives the state-machine position.
func (c Checkpoint) Status() Status {
	switch {
	case c.Completed:
		return StatusComplete
	case c.Offset > 0 || c.Extracted > 0:
		return StatusInProgress
	default:
		return StatusNotStarted
	}
}

// Advance returns c moved past a committed batch of rows source rows.
func (c Checkpoint) Advance(rows, unresolved int64, watermark time.Time) Checkpoint {
	c.Offset += rows
	c.Extracted += rows
	c.Unresolved += unresolved
	if watermark.After(c.Watermark) {
		c.Watermark = watermark
	}
	return c
}

// Complete returns c marked complete against the row-count snapshot total.
func (c Checkpoint) Complete(total int64) (Checkpoint, error) {
	if c.Extracted != total {
		return c, fmt.Errorf("table %s: extracted %d != snapshot %d", c.Table, c.Extracted, total)
	}
	c.Total = total
	c.Completed = true
	return c, nil
}

// Store persists checkpoints keyed by table name. Get reports ok=false for a
// table never seen. Put overwrites atomically and rejects offset regressions.
type Store interface {
	Get(ctx context.Context, table string) (Checkpoint, bool, error)
	Put(ctx context.Context, cp Checkpoint) error
	List(ctx context.Context) ([]Checkpoint, error)
	Close() error
}
