package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
	"github.com/jbndrf/Tabtin-sub001/internal/jobqueue"
	"github.com/jbndrf/Tabtin-sub001/internal/llm"
	"github.com/jbndrf/Tabtin-sub001/internal/normalize"
	"github.com/jbndrf/Tabtin-sub001/internal/ratelimit"
)

func (e *Executor) processBatch(ctx context.Context, job *entity.Job) (err error) {
	var p entity.ProcessBatchPayload
	if err := jobqueue.DecodePayload(job.Type, job.Payload, &p); err != nil {
		return err
	}
	log := e.logger.With("job_id", job.ID, "batch_id", p.BatchID)

	batch, err := e.deps.Store.Batches.Get(ctx, p.BatchID)
	if err != nil {
		if common.IsNotFound(err) {
			return fmt.Errorf("batch %s: %w", p.BatchID, errDiscarded)
		}
		return fmt.Errorf("load batch %s: %w", p.BatchID, err)
	}
	if batch.TenantID != e.tenantID {
		return common.ContractError(fmt.Sprintf("batch %s belongs to another tenant", p.BatchID), nil)
	}

	att := e.startAttempt(p.BatchID, job)
	defer func() {
		e.finishAttempt(ctx, att, err)
		if err != nil && !errors.Is(err, errDiscarded) {
			e.failBatch(ctx, p.BatchID, job.Type, err)
		}
	}()

	settings, err := e.loadSettings(ctx)
	if err != nil {
		return err
	}
	if err := e.deps.Store.Batches.SetStatus(ctx, p.BatchID, constants.BatchStatusProcessing, ""); err != nil {
		if common.IsNotFound(err) {
			return fmt.Errorf("batch %s: %w", p.BatchID, errDiscarded)
		}
		return fmt.Errorf("mark batch %s processing: %w", p.BatchID, err)
	}
	e.publish(entity.BatchEvent{BatchID: p.BatchID, Status: constants.BatchStatusProcessing, JobType: job.Type})

	images, err := e.deps.Store.Images.ListByBatch(ctx, p.BatchID)
	if err != nil {
		return fmt.Errorf("list images of batch %s: %w", p.BatchID, err)
	}
	if len(images) == 0 {
		return common.ContractError(fmt.Sprintf("batch %s has no images", p.BatchID), nil)
	}
	in, err := e.buildInput(ctx, images)
	if err != nil {
		return err
	}
	att.m.ImageCount = len(in.parts)

	opts := llm.PromptOptionsFrom(*settings)
	opts.ImageCount = len(in.parts)
	opts.PageTexts = in.texts
	parts := make([]llm.ContentPart, 0, len(in.parts)+1)
	parts = append(parts, llm.TextPart(llm.BuildExtractionPrompt(opts)))
	parts = append(parts, in.parts...)

	comp, err := e.complete(ctx, settings, parts)
	if err != nil {
		return err
	}
	att.m.ModelUsed = comp.Model
	att.m.TokensUsed = comp.TotalTokens

	res, err := normalize.Normalize(comp.Content, e.normalizeOptions(settings, settings.Columns))
	if err != nil {
		return err
	}
	rows := nonEmptyRows(res.Rows)
	if len(rows) == 0 {
		return common.MalformedReplyError(
			fmt.Sprintf("no value in the model reply matched the column schema (reply shape %s, unmatched keys %v)", res.Dialect, res.Dropped), nil)
	}

	if err := e.stillProcessing(ctx, p.BatchID); err != nil {
		return err
	}
	if _, err := e.deps.Store.Rows.DeleteByBatch(ctx, p.BatchID); err != nil {
		return fmt.Errorf("clear rows of batch %s: %w", p.BatchID, err)
	}

	now := e.now()
	records := make([]entity.ExtractionRow, 0, len(rows))
	extracted := 0
	for i, row := range rows {
		for j := range row {
			row[j].RowIndex = nil
		}
		extracted += len(row)
		records = append(records, entity.ExtractionRow{
			ID:        e.newID(),
			BatchID:   p.BatchID,
			TenantID:  e.tenantID,
			RowIndex:  i + 1,
			RowData:   row,
			Status:    constants.RowStatusReview,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if err := e.deps.Store.Rows.CreateMany(ctx, records); err != nil {
		return fmt.Errorf("store rows of batch %s: %w", p.BatchID, err)
	}
	if err := e.deps.Store.Batches.MarkReviewed(ctx, p.BatchID, len(records)); err != nil {
		if common.IsNotFound(err) {
			return fmt.Errorf("batch %s: %w", p.BatchID, errDiscarded)
		}
		return fmt.Errorf("mark batch %s reviewed: %w", p.BatchID, err)
	}
	att.m.ExtractionCount = &extracted

	log.Info("executor.batch.extracted",
		"rows", len(records),
		"values", extracted,
		"dialect", res.Dialect,
		"toon_corrections", len(res.Corrections),
	)
	e.publish(entity.BatchEvent{BatchID: p.BatchID, Status: constants.BatchStatusReview, JobType: job.Type, RowCount: len(records)})
	return nil
}

// complete sends one request through the tenant's limiter.
func (e *Executor) complete(ctx context.Context, s *entity.TenantSettings, parts []llm.ContentPart) (llm.Completion, error) {
	ep := e.endpointFor(s)
	comp, err := ratelimit.Do(ctx, e.limiter, func(ctx context.Context) (llm.Completion, error) {
		return e.deps.Client.Complete(ctx, ep, parts)
	})
	if err != nil {
		return llm.Completion{}, fmt.Errorf("model call: %w", err)
	}
	if comp.Model == "" {
		comp.Model = ep.Model
	}
	return comp, nil
}

// stillProcessing guards result writes: a batch deleted, reset or reprocessed
// while the model call ran is no longer ours to write.
func (e *Executor) stillProcessing(ctx context.Context, batchID string) error {
	b, err := e.deps.Store.Batches.Get(ctx, batchID)
	if err != nil {
		if common.IsNotFound(err) {
			return fmt.Errorf("batch %s deleted: %w", batchID, errDiscarded)
		}
		return fmt.Errorf("re-read batch %s: %w", batchID, err)
	}
	if b.Status != constants.BatchStatusProcessing {
		return fmt.Errorf("batch %s is now %s: %w", batchID, b.Status, errDiscarded)
	}
	return nil
}

// failBatch records the failure on the batch. The batch may be gone already.
func (e *Executor) failBatch(ctx context.Context, batchID string, jobType constants.JobType, cause error) {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	if err := e.deps.Store.Batches.SetStatus(ctx, batchID, constants.BatchStatusFailed, msg); err != nil {
		if !common.IsNotFound(err) {
			e.logger.Error("executor.batch.fail_status_failed", "batch_id", batchID, "error", err)
		}
		return
	}
	e.publish(entity.BatchEvent{BatchID: batchID, Status: constants.BatchStatusFailed, JobType: jobType, Error: msg})
}

// nonEmptyRows drops rows in which no column matched.
func nonEmptyRows(rows [][]entity.ExtractionResult) [][]entity.ExtractionResult {
	out := rows[:0:0]
	for _, r := range rows {
		if len(r) > 0 {
			out = append(out, r)
		}
	}
	return out
}
