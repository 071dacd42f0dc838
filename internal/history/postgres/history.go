package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"pacebot/internal/history"
)

type Repo struct {
	db *gorm.DB
}

func NewHistoryRepo(db *gorm.DB) *Repo { return &Repo{db: db} }

func (r *Repo) Append(ctx context.Context, rec history.Record) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("%w: %v", history.ErrAppend, err)
	}
	return nil
}

func (r *Repo) Retrieve(ctx context.Context, q history.Query) ([]history.Record, error) {
	var out []history.Record
	if err := q.BuildGormQuery(ctx, r.db).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", history.ErrRetrieve, err)
	}
	return out, nil
}

func (r *Repo) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("at < ?", before).Delete(&history.Record{})
	return res.RowsAffected, res.Error
}

// Close releases the underlying connection pool.
func (r *Repo) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
