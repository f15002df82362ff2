package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/common"
)

// recoverState heals what a crashed process left behind: jobs stuck in flight for
// longer than StaleAfter go back to the queue, then batches marked processing
// with no in-flight job are reset to pending.
func (e *Executor) recoverState(ctx context.Context) error {
	var errs []error
	if e.cfg.StaleAfter > 0 {
		n, err := e.deps.Queue.RecoverStale(ctx, e.tenantID, e.cfg.StaleAfter)
		if err != nil {
			errs = append(errs, err)
		} else if n > 0 {
			e.logger.Warn("executor.recovery.jobs_requeued", "count", n)
		}
	}
	n, err := e.recoverBatches(ctx)
	if err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		e.logger.Warn("executor.recovery.batches_reset", "count", n)
	}
	return errors.Join(errs...)
}

func (e *Executor) recoverBatches(ctx context.Context) (int, error) {
	stuck, err := e.deps.Store.Batches.ListByStatus(ctx, e.tenantID, constants.BatchStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("list processing batches: %w", err)
	}
	if len(stuck) == 0 {
		return 0, nil
	}
	inFlight, err := e.deps.Queue.Processing(ctx, e.tenantID)
	if err != nil {
		return 0, fmt.Errorf("list processing jobs: %w", err)
	}
	busy := make(map[string]bool, len(inFlight))
	for _, j := range inFlight {
		if j.BatchID != "" {
			busy[j.BatchID] = true
		}
	}

	reset := 0
	for _, b := range stuck {
		if busy[b.ID] {
			continue
		}
		if err := e.deps.Store.Batches.SetStatus(ctx, b.ID, constants.BatchStatusPending, ""); err != nil {
			if common.IsNotFound(err) {
				continue
			}
			return reset, fmt.Errorf("reset batch %s: %w", b.ID, err)
		}
		reset++
		e.logger.Info("executor.recovery.batch_reset", "batch_id", b.ID)
	}
	return reset, nil
}
