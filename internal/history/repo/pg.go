package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
	"github.com/redis/go-redis/v9"

	"provider/internal/history"
	"provider/internal/job"
)

var _ history.Repository = (*Repository)(nil)

// Repository stores job history in Postgres with an optional Redis read cache.
type Repository struct {
	db    *pg.DB
	redis redis.Cmdable
}

func NewRepository(db *pg.DB, redis redis.Cmdable) *Repository {
	return &Repository{
		db:    db,
		redis: redis,
	}
}

// Migrate creates the history table if it does not exist.
func Migrate(db *pg.DB) error {
	return db.Model((*JobModel)(nil)).CreateTable(&orm.CreateTableOptions{
		IfNotExists: true,
	})
}

func (r *Repository) Create(ctx context.Context, rec *history.Record) error {
	res, err := r.db.ModelContext(ctx, fromRecord(rec)).
		OnConflict("(id) DO NOTHING").
		Insert()
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return history.ErrExists
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, jobID string) (*history.Record, error) {
	if r.redis != nil {
		val, err := r.redis.Get(ctx, jobCacheKey(jobID)).Result()
		if err == nil {
			var cached history.Record
			if err := json.Unmarshal([]byte(val), &cached); err == nil {
				return &cached, nil
			}
		}
	}

	model := &JobModel{ID: jobID}
	if err := r.db.ModelContext(ctx, model).WherePK().Select(); err != nil {
		if errors.Is(err, pg.ErrNoRows) {
			return nil, history.ErrNotFound
		}
		return nil, err
	}
	rec := model.toRecord()

	// 只缓存终态记录，运行中的记录变化频繁
	if r.redis != nil && rec.Terminal() {
		if b, err := json.Marshal(rec); err == nil {
			_ = r.redis.Set(ctx, jobCacheKey(jobID), b, jobCacheTTL).Err()
		}
	}
	return rec, nil
}

func (r *Repository) MarkRunning(ctx context.Context, jobID string, at time.Time) error {
	res, err := r.db.ModelContext(ctx, (*JobModel)(nil)).
		Set("status = ?, started_at = ?", job.StatusRunning, at).
		Where("id = ?", jobID).
		Update()
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return history.ErrNotFound
	}
	r.invalidate(ctx, jobID)
	return nil
}

func (r *Repository) Finish(ctx context.Context, res job.Result, at time.Time) error {
	var rec history.Record
	rec.ApplyResult(res, at)

	result, err := r.db.ModelContext(ctx, (*JobModel)(nil)).
		Set("status = ?, exit_code = ?, error_message = ?, logs = ?, finished_at = ?, duration_ms = ?",
			rec.Status, rec.ExitCode, rec.ErrorMessage, rec.Logs, rec.FinishedAt, rec.DurationMs).
		Where("id = ?", res.JobID).
		Update()
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return history.ErrNotFound
	}
	r.invalidate(ctx, res.JobID)
	return nil
}

func (r *Repository) List(ctx context.Context, limit int) ([]*history.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []JobModel
	err := r.db.ModelContext(ctx, &models).
		Order("queued_at DESC").
		Limit(limit).
		Select()
	if err != nil {
		return nil, err
	}

	records := make([]*history.Record, 0, len(models))
	for i := range models {
		records = append(records, models[i].toRecord())
	}
	return records, nil
}

func (r *Repository) invalidate(ctx context.Context, jobID string) {
	if r.redis != nil {
		_ = r.redis.Del(ctx, jobCacheKey(jobID)).Err()
	}
}
