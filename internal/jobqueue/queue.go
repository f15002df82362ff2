// Package jobqueue is the persistent job queue shared by all tenant executors.
//
// The backing store has no transactions, so claims are optimistic: the
// candidate job is re-read by id right before it is mutated, and a job that
// is no longer queued is abandoned. Losing that race is not an error.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
	"github.com/jbndrf/Tabtin-sub001/internal/repository"
)

const maxBackoffExponent = 12

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Queue struct {
	repo   repository.JobRepository
	logger *slog.Logger

	now                func() time.Time
	sleep              SleepFunc
	newID              func() string
	defaultMaxAttempts int
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(q *Queue) {
		if fn != nil {
			q.sleep = fn
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(q *Queue) {
		if fn != nil {
			q.newID = fn
		}
	}
}

func WithDefaultMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.defaultMaxAttempts = n
		}
	}
}

func New(repo repository.JobRepository, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		repo:               repo,
		logger:             logger,
		now:                time.Now,
		sleep:              sleepContext,
		newID:              func() string { return uuid.New().String() },
		defaultMaxAttempts: 3,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Backoff is the delay before re-queuing a job that has been attempted n times.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > maxBackoffExponent {
		attempts = maxBackoffExponent
	}
	return time.Duration(1<<attempts) * time.Second
}

// Enqueue validates the payload and stores a new queued job.
// maxAttempts <= 0 uses the queue default.
func (q *Queue) Enqueue(ctx context.Context, jobType constants.JobType, payload any, priority, maxAttempts int) (*entity.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, common.ContractError("encode payload", err)
	}
	if err := ValidatePayload(jobType, raw); err != nil {
		return nil, err
	}
	if maxAttempts <= 0 {
		maxAttempts = q.defaultMaxAttempts
	}
	tenantID, batchID := payloadRefs(raw)

	now := q.now()
	job := &entity.Job{
		ID:          q.newID(),
		Type:        jobType,
		Status:      constants.JobStatusQueued,
		Payload:     raw,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		TenantID:    tenantID,
		BatchID:     batchID,
		CreatedAt:   now,
		QueuedAt:    now,
	}
	if err := q.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	q.logger.Info("jobqueue.enqueued",
		"job_id", job.ID,
		"type", jobType,
		"tenant_id", tenantID,
		"batch_id", batchID,
		"priority", priority,
	)
	return job, nil
}

// ClaimNext moves the tenant's next queued job to processing and returns it.
// It returns nil without error when there is no work or another executor won the race.
func (q *Queue) ClaimNext(ctx context.Context, tenantID string) (*entity.Job, error) {
	cand, err := q.repo.NextQueued(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("select next job: %w", err)
	}
	if cand == nil {
		return nil, nil
	}

	fresh, err := q.repo.Get(ctx, cand.ID)
	if err != nil {
		if common.IsNotFound(err) {
			q.logger.Debug("jobqueue.claim.gone", "job_id", cand.ID, "tenant_id", tenantID)
			return nil, nil
		}
		return nil, fmt.Errorf("re-read job %s: %w", cand.ID, err)
	}
	if fresh.Status != constants.JobStatusQueued {
		q.logger.Debug("jobqueue.claim.race_lost", "job_id", fresh.ID, "status", fresh.Status)
		return nil, nil
	}

	now := q.now()
	attempts := fresh.Attempts + 1
	ok, err := q.repo.Transition(ctx, fresh.ID, constants.JobStatusQueued, repository.JobUpdate{
		Status:    constants.JobStatusProcessing,
		Attempts:  &attempts,
		StartedAt: &now,
	})
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", fresh.ID, err)
	}
	if !ok {
		q.logger.Debug("jobqueue.claim.race_lost", "job_id", fresh.ID)
		return nil, nil
	}

	fresh.Status = constants.JobStatusProcessing
	fresh.Attempts = attempts
	fresh.StartedAt = &now
	q.logger.Info("jobqueue.claimed",
		"job_id", fresh.ID,
		"type", fresh.Type,
		"tenant_id", fresh.TenantID,
		"attempt", attempts,
		"max_attempts", fresh.MaxAttempts,
	)
	return fresh, nil
}

// Complete marks a processing job completed. A job deleted in the meantime is a no-op.
func (q *Queue) Complete(ctx context.Context, id string) error {
	now := q.now()
	ok, err := q.repo.Transition(ctx, id, constants.JobStatusProcessing, repository.JobUpdate{
		Status:      constants.JobStatusCompleted,
		CompletedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if ok {
		q.logger.Info("jobqueue.completed", "job_id", id)
		return nil
	}
	return q.checkGone(ctx, id, constants.JobStatusCompleted)
}

// Fail records a failed attempt. With retry set and attempts left, it sleeps
// 2^attempts seconds and re-queues the job at the back of its priority band;
// otherwise the job fails terminally. It returns the job's resulting status,
// or an empty status when the job was deleted out of band.
func (q *Queue) Fail(ctx context.Context, id string, cause error, retry bool) (constants.JobStatus, error) {
	cur, err := q.repo.Get(ctx, id)
	if err != nil {
		if common.IsNotFound(err) {
			q.logger.Info("jobqueue.fail.gone", "job_id", id)
			return "", nil
		}
		return "", fmt.Errorf("load job %s: %w", id, err)
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	if retry && cur.Attempts < cur.MaxAttempts {
		return q.retry(ctx, cur, msg)
	}

	now := q.now()
	ok, err := q.repo.Transition(ctx, id, constants.JobStatusProcessing, repository.JobUpdate{
		Status:      constants.JobStatusFailed,
		LastError:   &msg,
		CompletedAt: &now,
	})
	if err != nil {
		return "", fmt.Errorf("fail job %s: %w", id, err)
	}
	if !ok {
		return "", q.checkGone(ctx, id, constants.JobStatusFailed)
	}
	q.logger.Warn("jobqueue.failed",
		"job_id", id,
		"tenant_id", cur.TenantID,
		"attempts", cur.Attempts,
		"retry_requested", retry,
		"error", msg,
	)
	return constants.JobStatusFailed, nil
}

func (q *Queue) retry(ctx context.Context, cur *entity.Job, msg string) (constants.JobStatus, error) {
	ok, err := q.repo.Transition(ctx, cur.ID, constants.JobStatusProcessing, repository.JobUpdate{
		Status:    constants.JobStatusRetrying,
		LastError: &msg,
	})
	if err != nil {
		return "", fmt.Errorf("mark job %s retrying: %w", cur.ID, err)
	}
	if !ok {
		return "", q.checkGone(ctx, cur.ID, constants.JobStatusRetrying)
	}

	delay := Backoff(cur.Attempts)
	q.logger.Warn("jobqueue.retry.backoff",
		"job_id", cur.ID,
		"tenant_id", cur.TenantID,
		"attempt", cur.Attempts,
		"max_attempts", cur.MaxAttempts,
		"delay", delay.String(),
		"error", msg,
	)
	if err := q.sleep(ctx, delay); err != nil {
		q.logger.Info("jobqueue.retry.sleep_interrupted", "job_id", cur.ID, "error", err)
	}

	// Re-queue even when ctx was cancelled during the sleep so the job is not stranded.
	wctx := context.WithoutCancel(ctx)
	now := q.now()
	ok, err = q.repo.Transition(wctx, cur.ID, constants.JobStatusRetrying, repository.JobUpdate{
		Status:   constants.JobStatusQueued,
		QueuedAt: &now,
	})
	if err != nil {
		return "", fmt.Errorf("requeue job %s: %w", cur.ID, err)
	}
	if !ok {
		return "", q.checkGone(wctx, cur.ID, constants.JobStatusQueued)
	}
	return constants.JobStatusQueued, nil
}

// checkGone resolves a transition that matched no row: a deleted job is fine, anything else is a conflict.
func (q *Queue) checkGone(ctx context.Context, id string, want constants.JobStatus) error {
	cur, err := q.repo.Get(ctx, id)
	if err != nil {
		if common.IsNotFound(err) {
			q.logger.Info("jobqueue.transition.gone", "job_id", id, "want", want)
			return nil
		}
		return fmt.Errorf("re-read job %s: %w", id, err)
	}
	if cur.Status == want {
		return nil
	}
	return common.NewAppError("JOB_CONFLICT",
		fmt.Sprintf("job %s is %s, cannot move to %s", id, cur.Status, want), common.ErrConflict)
}

// CancelQueued deletes a tenant's jobs that are not in flight. Processing jobs are left to finish.
func (q *Queue) CancelQueued(ctx context.Context, tenantID string, filter entity.JobFilter) (int, error) {
	n, err := q.repo.DeleteByStatus(ctx, tenantID,
		[]constants.JobStatus{constants.JobStatusQueued, constants.JobStatusRetrying}, filter)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs for tenant %s: %w", tenantID, err)
	}
	q.logger.Info("jobqueue.cancelled", "tenant_id", tenantID, "type", filter.Type, "batch_id", filter.BatchID, "deleted", n)
	return n, nil
}

// StatsFor counts a tenant's jobs per status.
func (q *Queue) StatsFor(ctx context.Context, tenantID string) (entity.JobStats, error) {
	counts, err := q.repo.CountByStatus(ctx, tenantID)
	if err != nil {
		return entity.JobStats{}, fmt.Errorf("stats for tenant %s: %w", tenantID, err)
	}
	stats := entity.JobStats{TenantID: tenantID}
	for status, n := range counts {
		stats.Add(status, n)
	}
	return stats, nil
}

// TenantsWithWork lists tenants that have at least one queued job.
func (q *Queue) TenantsWithWork(ctx context.Context) ([]string, error) {
	return q.repo.TenantsWithStatus(ctx, constants.JobStatusQueued)
}

// Processing lists the tenant's in-flight jobs.
func (q *Queue) Processing(ctx context.Context, tenantID string) ([]entity.Job, error) {
	return q.repo.ListByStatus(ctx, tenantID, constants.JobStatusProcessing)
}

// RecoverStale re-queues (or fails, when out of attempts) jobs left in processing
// or retrying for longer than olderThan, typically by a crashed process.
func (q *Queue) RecoverStale(ctx context.Context, tenantID string, olderThan time.Duration) (int, error) {
	return q.RecoverClaimedBefore(ctx, tenantID, q.now().Add(-olderThan))
}

// RecoverClaimedBefore re-queues (or fails, when out of attempts) the tenant's
// processing and retrying jobs claimed before cutoff. Only call it when no live
// executor can own those jobs.
func (q *Queue) RecoverClaimedBefore(ctx context.Context, tenantID string, cutoff time.Time) (int, error) {
	recovered := 0
	for _, status := range inFlightStatuses {
		jobs, err := q.repo.ListByStatus(ctx, tenantID, status)
		if err != nil {
			return recovered, fmt.Errorf("list %s jobs: %w", status, err)
		}
		for _, j := range jobs {
			if j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
				continue
			}
			now := q.now()
			msg := "recovered after stale claim"
			if j.LastError != "" {
				msg = j.LastError
			}
			upd := repository.JobUpdate{Status: constants.JobStatusQueued, QueuedAt: &now, LastError: &msg}
			if j.Attempts >= j.MaxAttempts {
				upd = repository.JobUpdate{Status: constants.JobStatusFailed, CompletedAt: &now, LastError: &msg}
			}
			ok, err := q.repo.Transition(ctx, j.ID, status, upd)
			if err != nil {
				return recovered, fmt.Errorf("recover job %s: %w", j.ID, err)
			}
			if ok {
				recovered++
				q.logger.Warn("jobqueue.recovered_stale", "job_id", j.ID, "tenant_id", j.TenantID, "from", status, "to", upd.Status)
			}
		}
	}
	return recovered, nil
}

// TenantsInFlight lists tenants with processing or retrying jobs.
func (q *Queue) TenantsInFlight(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, status := range inFlightStatuses {
		tenants, err := q.repo.TenantsWithStatus(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("list tenants with %s jobs: %w", status, err)
		}
		for _, t := range tenants {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

var inFlightStatuses = []constants.JobStatus{constants.JobStatusProcessing, constants.JobStatusRetrying}

// PurgeFinished deletes completed and failed jobs older than the retention period.
func (q *Queue) PurgeFinished(ctx context.Context, retention time.Duration) (int, error) {
	n, err := q.repo.DeleteFinishedBefore(ctx, q.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge finished jobs: %w", err)
	}
	if n > 0 {
		q.logger.Info("jobqueue.purged", "deleted", n, "retention", retention.String())
	}
	return n, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
