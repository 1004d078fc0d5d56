package db

import (
	"context"
	"fmt"
	"time"

	"github.com/dreamforge/dream-server/internal/types"

	"github.com/uptrace/bun"
)

type JobRepository struct {
	db bun.IDB
}

func NewJobRepository(db *bun.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job model is nil")
	}

	_, err := r.db.NewInsert().Model(job).Exec(ctx)
	return err
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := r.db.NewSelect().Model(&job).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, err
	}

	return &job, nil
}

func (r *JobRepository) UpdateStatus(ctx context.Context, id string, status types.JobStatus, errMsg string) error {
	q := r.db.NewUpdate().Model(&Job{}).
		Where("id = ?", id).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now())

	if errMsg != "" {
		q = q.Set("error = ?", errMsg)
	}
	if status.Terminal() {
		q = q.Set("completed_at = ?", time.Now())
	}

	_, err := q.Exec(ctx)
	return err
}

func (r *JobRepository) ListRecent(ctx context.Context, limit int) ([]Job, error) {
	var jobs []Job
	err := r.db.NewSelect().Model(&jobs).
		Order("created_at DESC").
		Limit(limit).
		Scan(ctx)
	return jobs, err
}
