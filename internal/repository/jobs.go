package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
)

const jobsTable = "jobs"

var jobColumns = []string{
	"id", "type", "status", "payload", "priority", "attempts", "max_attempts", "last_error",
	"tenant_id", "batch_id", "created_at", "queued_at", "started_at", "completed_at",
}

type jobRepo struct {
	db  *DB
	log *slog.Logger
}

func NewJobRepository(db *DB, log *slog.Logger) JobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &jobRepo{db: db, log: log}
}

func (r *jobRepo) Create(ctx context.Context, j *entity.Job) error {
	q := r.db.builder().Insert(jobsTable).
		Columns(jobColumns...).
		Values(j.ID, string(j.Type), string(j.Status), string(j.Payload), j.Priority, j.Attempts, j.MaxAttempts,
			j.LastError, j.TenantID, j.BatchID, toNanos(j.CreatedAt), toNanos(j.QueuedAt),
			nullableNanos(j.StartedAt), nullableNanos(j.CompletedAt))
	if _, err := r.db.exec(ctx, q); err != nil {
		r.log.Error("job insert failed", "job_id", j.ID, "tenant_id", j.TenantID, "err", err)
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *jobRepo) Get(ctx context.Context, id string) (*entity.Job, error) {
	q := r.db.builder().Select(jobColumns...).
		From(entsql.Table(jobsTable)).
		Where(entsql.EQ("id", id)).
		Limit(1)
	jobs, err := r.list(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, common.NotFoundf("job %s", id)
	}
	return &jobs[0], nil
}

func (r *jobRepo) NextQueued(ctx context.Context, tenantID string) (*entity.Job, error) {
	pred := entsql.EQ("status", string(constants.JobStatusQueued))
	if tenantID != "" {
		pred = entsql.And(pred, entsql.EQ("tenant_id", tenantID))
	}
	q := r.db.builder().Select(jobColumns...).
		From(entsql.Table(jobsTable)).
		Where(pred).
		OrderBy("priority", "queued_at", "created_at").
		Limit(1)
	jobs, err := r.list(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

func (r *jobRepo) Transition(ctx context.Context, id string, from constants.JobStatus, upd JobUpdate) (bool, error) {
	u := r.db.builder().Update(jobsTable).
		Set("status", string(upd.Status)).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("status", string(from))))
	if upd.Attempts != nil {
		u.Set("attempts", *upd.Attempts)
	}
	if upd.LastError != nil {
		u.Set("last_error", *upd.LastError)
	}
	if upd.QueuedAt != nil {
		u.Set("queued_at", toNanos(*upd.QueuedAt))
	}
	if upd.StartedAt != nil {
		u.Set("started_at", toNanos(*upd.StartedAt))
	}
	if upd.CompletedAt != nil {
		u.Set("completed_at", toNanos(*upd.CompletedAt))
	}
	res, err := r.db.exec(ctx, u)
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", id, err)
	}
	return n == 1, nil
}

func (r *jobRepo) Delete(ctx context.Context, id string) error {
	q := r.db.builder().Delete(jobsTable).Where(entsql.EQ("id", id))
	if _, err := r.db.exec(ctx, q); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (r *jobRepo) DeleteByStatus(ctx context.Context, tenantID string, statuses []constants.JobStatus, filter entity.JobFilter) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	vals := make([]any, len(statuses))
	for i, s := range statuses {
		vals[i] = string(s)
	}
	preds := []*entsql.Predicate{entsql.EQ("tenant_id", tenantID), entsql.In("status", vals...)}
	if filter.Type != "" {
		preds = append(preds, entsql.EQ("type", string(filter.Type)))
	}
	if filter.BatchID != "" {
		preds = append(preds, entsql.EQ("batch_id", filter.BatchID))
	}
	q := r.db.builder().Delete(jobsTable).Where(entsql.And(preds...))
	res, err := r.db.exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *jobRepo) ListByStatus(ctx context.Context, tenantID string, status constants.JobStatus) ([]entity.Job, error) {
	pred := entsql.EQ("status", string(status))
	if tenantID != "" {
		pred = entsql.And(pred, entsql.EQ("tenant_id", tenantID))
	}
	q := r.db.builder().Select(jobColumns...).
		From(entsql.Table(jobsTable)).
		Where(pred).
		OrderBy("priority", "queued_at")
	return r.list(ctx, q)
}

func (r *jobRepo) CountByStatus(ctx context.Context, tenantID string) (map[constants.JobStatus]int, error) {
	q := r.db.builder().Select("status", entsql.Count("*")).
		From(entsql.Table(jobsTable)).
		Where(entsql.EQ("tenant_id", tenantID)).
		GroupBy("status")
	rows, err := r.db.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[constants.JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[constants.JobStatus(status)] = n
	}
	return out, rows.Err()
}

func (r *jobRepo) TenantsWithStatus(ctx context.Context, status constants.JobStatus) ([]string, error) {
	q := r.db.builder().Select("tenant_id").
		Distinct().
		From(entsql.Table(jobsTable)).
		Where(entsql.EQ("status", string(status)))
	rows, err := r.db.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *jobRepo) DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error) {
	q := r.db.builder().Delete(jobsTable).Where(entsql.And(
		entsql.In("status", string(constants.JobStatusCompleted), string(constants.JobStatusFailed)),
		entsql.NotNull("completed_at"),
		entsql.LT("completed_at", toNanos(before)),
	))
	res, err := r.db.exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *jobRepo) list(ctx context.Context, q *entsql.Selector) ([]entity.Job, error) {
	rows, err := r.db.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []entity.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func scanJob(rows *sql.Rows) (entity.Job, error) {
	var (
		j                    entity.Job
		typ, status, payload string
		createdAt, queuedAt  int64
		startedAt, doneAt    sql.NullInt64
	)
	err := rows.Scan(&j.ID, &typ, &status, &payload, &j.Priority, &j.Attempts, &j.MaxAttempts, &j.LastError,
		&j.TenantID, &j.BatchID, &createdAt, &queuedAt, &startedAt, &doneAt)
	if err != nil {
		return entity.Job{}, fmt.Errorf("scan job: %w", err)
	}
	j.Type = constants.JobType(typ)
	j.Status = constants.JobStatus(status)
	j.Payload = []byte(payload)
	j.CreatedAt = fromNanos(createdAt)
	j.QueuedAt = fromNanos(queuedAt)
	j.StartedAt = fromNullNanos(startedAt)
	j.CompletedAt = fromNullNanos(doneAt)
	return j, nil
}
