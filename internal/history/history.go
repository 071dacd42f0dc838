// Package history records the outcome of every dispatched unit.
package history

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

var (
	ErrAppend   = errors.New("history: append failed")
	ErrRetrieve = errors.New("history: retrieve failed")
)

type Repo interface {
	Append(ctx context.Context, r Record) error
	Retrieve(ctx context.Context, q Query) ([]Record, error)
	// Prune deletes records older than before and reports how many went.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type Record struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Channel     string    `gorm:"not null;index" json:"channel"`
	Kind        string    `gorm:"not null" json:"kind"`
	Destination string    `gorm:"not null" json:"destination"`
	BatchID     string    `gorm:"index" json:"batch_id,omitempty"`
	UnitID      string    `json:"unit_id"`
	Status      string    `gorm:"not null" json:"status"`
	Error       string    `json:"error,omitempty"`
	TookMS      int64     `json:"took_ms"`
	At          time.Time `gorm:"not null;index" json:"at"`
}

func (Record) TableName() string { return "dispatch_history" }

// Query filters records. Results are newest first.
type Query struct {
	Limit       int
	Offset      int
	Channel     string
	Status      string
	BatchID     string
	Destination string
	Since       time.Time
}

func (q Query) matches(r Record) bool {
	switch {
	case q.Channel != "" && r.Channel != q.Channel:
		return false
	case q.Status != "" && r.Status != q.Status:
		return false
	case q.BatchID != "" && r.BatchID != q.BatchID:
		return false
	case q.Destination != "" && r.Destination != q.Destination:
		return false
	case !q.Since.IsZero() && r.At.Before(q.Since):
		return false
	}
	return true
}

// BuildGormQuery turns q into a gorm query over Record.
func (q Query) BuildGormQuery(ctx context.Context, db *gorm.DB) *gorm.DB {
	b := db.WithContext(ctx).Model(&Record{})
	if q.Limit > 0 {
		b = b.Limit(q.Limit)
	}
	if q.Offset > 0 {
		b = b.Offset(q.Offset)
	}
	if q.Channel != "" {
		b = b.Where(&Record{Channel: q.Channel})
	}
	if q.Status != "" {
		b = b.Where(&Record{Status: q.Status})
	}
	if q.BatchID != "" {
		b = b.Where(&Record{BatchID: q.BatchID})
	}
	if q.Destination != "" {
		b = b.Where(&Record{Destination: q.Destination})
	}
	if !q.Since.IsZero() {
		b = b.Where("at >= ?", q.Since)
	}
	return b.Order("at DESC").Order("id DESC")
}

// Nop discards everything. It is used when history is disabled.
type Nop struct{}

func (Nop) Append(context.Context, Record) error              { return nil }
func (Nop) Retrieve(context.Context, Query) ([]Record, error) { return nil, nil }
func (Nop) Prune(context.Context, time.Time) (int64, error)   { return 0, nil }
