package executor

import (
	"context"
	"fmt"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
	"github.com/jbndrf/Tabtin-sub001/internal/jobqueue"
)

// reprocessBatch returns each batch to its pre-processing state and queues a
// fresh process_batch job, so a reprocess runs exactly like a first run.
func (e *Executor) reprocessBatch(ctx context.Context, job *entity.Job) error {
	var p entity.ReprocessBatchPayload
	if err := jobqueue.DecodePayload(job.Type, job.Payload, &p); err != nil {
		return err
	}
	queued := 0
	for _, batchID := range p.BatchIDs {
		ok, err := e.resetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		payload := entity.ProcessBatchPayload{BatchID: batchID, TenantID: e.tenantID}
		if _, err := e.deps.Queue.Enqueue(ctx, constants.JobTypeProcessBatch, payload, constants.PriorityProcess, 0); err != nil {
			return fmt.Errorf("queue batch %s: %w", batchID, err)
		}
		queued++
		e.publish(entity.BatchEvent{BatchID: batchID, Status: constants.BatchStatusPending, JobType: job.Type})
	}
	e.logger.Info("executor.reprocess.queued", "job_id", job.ID, "requested", len(p.BatchIDs), "queued", queued)
	if queued > 0 {
		e.Notify()
	}
	return nil
}

// resetBatch drops a batch's rows and pending process jobs and resets its
// fields. It reports false when the batch no longer exists or belongs to
// another tenant.
func (e *Executor) resetBatch(ctx context.Context, batchID string) (bool, error) {
	b, err := e.deps.Store.Batches.Get(ctx, batchID)
	if err != nil {
		if common.IsNotFound(err) {
			e.logger.Info("executor.reprocess.batch_gone", "batch_id", batchID)
			return false, nil
		}
		return false, fmt.Errorf("load batch %s: %w", batchID, err)
	}
	if b.TenantID != e.tenantID {
		e.logger.Warn("executor.reprocess.foreign_batch", "batch_id", batchID, "owner", b.TenantID)
		return false, nil
	}
	if _, err := e.deps.Queue.CancelQueued(ctx, e.tenantID, entity.JobFilter{Type: constants.JobTypeProcessBatch, BatchID: batchID}); err != nil {
		return false, err
	}
	if _, err := e.deps.Store.Rows.DeleteByBatch(ctx, batchID); err != nil {
		return false, fmt.Errorf("clear rows of batch %s: %w", batchID, err)
	}
	if err := e.deps.Store.Batches.Reset(ctx, batchID); err != nil {
		if common.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("reset batch %s: %w", batchID, err)
	}
	return true, nil
}
