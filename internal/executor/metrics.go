package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbndrf/Tabtin-sub001/internal/entity"
	"github.com/jbndrf/Tabtin-sub001/internal/repository"
)

// MetricsSink receives one record per batch or redo attempt. Errors are
// logged by the executor and never fail the job.
type MetricsSink interface {
	Record(ctx context.Context, m *entity.ProcessingMetric) error
}

// RepositorySink appends metrics to the record store.
type RepositorySink struct {
	repo repository.MetricRepository
}

func NewRepositorySink(repo repository.MetricRepository) *RepositorySink {
	return &RepositorySink{repo: repo}
}

func (s *RepositorySink) Record(ctx context.Context, m *entity.ProcessingMetric) error {
	if s.repo == nil {
		return nil
	}
	if err := s.repo.Append(ctx, m); err != nil {
		return fmt.Errorf("append metric: %w", err)
	}
	return nil
}

// MultiSink fans a record out to every sink and joins their errors.
type MultiSink []MetricsSink

func (ms MultiSink) Record(ctx context.Context, m *entity.ProcessingMetric) error {
	var errs []error
	for _, s := range ms {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// attempt accumulates one metric record while a job runs.
type attempt struct {
	m *entity.ProcessingMetric
}

func (e *Executor) startAttempt(batchID string, job *entity.Job) *attempt {
	return &attempt{m: &entity.ProcessingMetric{
		ID:        e.newID(),
		BatchID:   batchID,
		TenantID:  e.tenantID,
		JobType:   job.Type,
		StartTime: e.now(),
	}}
}

// finish stamps the outcome and hands the record to the sink. A discarded
// job records nothing because its target no longer exists.
func (e *Executor) finishAttempt(ctx context.Context, a *attempt, err error) {
	if errors.Is(err, errDiscarded) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	a.m.EndTime = e.now()
	if err != nil {
		a.m.Status = entity.MetricStatusFailed
		a.m.ErrorMessage = err.Error()
	} else {
		a.m.Status = entity.MetricStatusSuccess
	}
	if rerr := e.deps.Metrics.Record(ctx, a.m); rerr != nil {
		e.logger.Warn("executor.metric.write_failed", "batch_id", a.m.BatchID, "error", rerr)
	}
}
