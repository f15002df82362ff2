package executor

import (
	"context"
	"fmt"

	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
	"github.com/jbndrf/Tabtin-sub001/internal/jobqueue"
	"github.com/jbndrf/Tabtin-sub001/internal/llm"
	"github.com/jbndrf/Tabtin-sub001/internal/normalize"
)

// processRedo re-extracts some columns of one stored row from cropped images
// and rewrites that row only.
func (e *Executor) processRedo(ctx context.Context, job *entity.Job) (err error) {
	var p entity.RedoPayload
	if err := jobqueue.DecodePayload(job.Type, job.Payload, &p); err != nil {
		return err
	}
	log := e.logger.With("job_id", job.ID, "batch_id", p.BatchID, "row_index", p.RowIndex)

	row, err := e.deps.Store.Rows.GetByIndex(ctx, p.BatchID, p.RowIndex)
	if err != nil {
		if common.IsNotFound(err) {
			return fmt.Errorf("row %d of batch %s: %w", p.RowIndex, p.BatchID, errDiscarded)
		}
		return fmt.Errorf("load row %d of batch %s: %w", p.RowIndex, p.BatchID, err)
	}
	if row.TenantID != e.tenantID {
		return common.ContractError(fmt.Sprintf("batch %s belongs to another tenant", p.BatchID), nil)
	}

	att := e.startAttempt(p.BatchID, job)
	defer func() { e.finishAttempt(ctx, att, err) }()

	settings, err := e.loadSettings(ctx)
	if err != nil {
		return err
	}

	targets, crops, parts, err := e.redoInput(ctx, settings, p)
	if err != nil {
		return err
	}
	att.m.ImageCount = len(targets)

	prompt := llm.BuildRedoPrompt(llm.PromptOptionsFrom(*settings), targets)
	comp, err := e.complete(ctx, settings, append([]llm.ContentPart{llm.TextPart(prompt)}, parts...))
	if err != nil {
		return err
	}
	att.m.ModelUsed = comp.Model
	att.m.TokensUsed = comp.TotalTokens

	cols := make([]entity.Column, len(targets))
	for i, t := range targets {
		cols[i] = t.Column
	}
	res, err := normalize.Normalize(comp.Content, e.normalizeOptions(settings, cols))
	if err != nil {
		return err
	}
	fresh := firstPerColumn(res.Rows)
	if len(fresh) == 0 {
		return common.MalformedReplyError(
			fmt.Sprintf("redo reply matched none of the requested columns (reply shape %s)", res.Dialect), nil)
	}

	old := make(map[string]entity.ExtractionResult, len(row.RowData))
	for _, r := range row.RowData {
		old[r.ColumnID] = r
	}
	remap, err := e.redoRemapper(ctx, p, targets, crops)
	if err != nil {
		return err
	}
	for id, r := range fresh {
		r.ImageIndex = remap(id, r.ImageIndex, old[id].ImageIndex)
		r.RowIndex = nil
		fresh[id] = r
	}

	merged := mergeRow(row.RowData, p.RedoColumnIDs, fresh)

	cur, err := e.deps.Store.Rows.GetByIndex(ctx, p.BatchID, p.RowIndex)
	if err != nil {
		if common.IsNotFound(err) {
			return fmt.Errorf("row %d of batch %s deleted: %w", p.RowIndex, p.BatchID, errDiscarded)
		}
		return fmt.Errorf("re-read row %d of batch %s: %w", p.RowIndex, p.BatchID, err)
	}
	if cur.ID != row.ID {
		return fmt.Errorf("row %d of batch %s was replaced: %w", p.RowIndex, p.BatchID, errDiscarded)
	}
	if err := e.deps.Store.Rows.UpdateData(ctx, row.ID, merged); err != nil {
		if common.IsNotFound(err) {
			return fmt.Errorf("row %s: %w", row.ID, errDiscarded)
		}
		return fmt.Errorf("update row %s: %w", row.ID, err)
	}
	n := len(fresh)
	att.m.ExtractionCount = &n

	log.Info("executor.redo.applied", "requested", len(p.RedoColumnIDs), "updated", n, "dialect", res.Dialect)
	if b, berr := e.deps.Store.Batches.Get(ctx, p.BatchID); berr == nil {
		e.publish(entity.BatchEvent{BatchID: p.BatchID, Status: b.Status, JobType: job.Type, RowCount: b.RowCount, RowIndex: p.RowIndex})
	}
	return nil
}

// redoInput loads the crop for every requested column. Crops are attached in
// the order of the requested columns, so target i is image_index i.
func (e *Executor) redoInput(ctx context.Context, s *entity.TenantSettings, p entity.RedoPayload) ([]llm.RedoTarget, []entity.Image, []llm.ContentPart, error) {
	targets := make([]llm.RedoTarget, 0, len(p.RedoColumnIDs))
	crops := make([]entity.Image, 0, len(p.RedoColumnIDs))
	parts := make([]llm.ContentPart, 0, len(p.RedoColumnIDs))
	seen := map[string]bool{}
	for _, id := range p.RedoColumnIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		col, ok := s.ColumnByID(id)
		if !ok {
			return nil, nil, nil, common.ContractError(fmt.Sprintf("redo column %s is not in the schema", id), nil)
		}
		cropID := p.CroppedImageIDs[id]
		if cropID == "" {
			return nil, nil, nil, common.ContractError(fmt.Sprintf("redo column %s has no cropped image", id), nil)
		}
		crop, err := e.deps.Store.Images.Get(ctx, cropID)
		if err != nil {
			if common.IsNotFound(err) {
				return nil, nil, nil, common.ContractError(fmt.Sprintf("cropped image %s for column %s not found", cropID, id), err)
			}
			return nil, nil, nil, fmt.Errorf("load cropped image %s: %w", cropID, err)
		}
		data, err := e.readImage(ctx, *crop)
		if err != nil {
			return nil, nil, nil, err
		}
		targets = append(targets, llm.RedoTarget{Column: col, ImageIndex: len(parts)})
		crops = append(crops, *crop)
		parts = append(parts, llm.ImagePart(llm.DataURL(crop.MimeType, crop.FileName, data)))
	}
	return targets, crops, parts, nil
}

// redoRemapper returns a function that turns the model's local image index
// for a column into the batch-wide index of the crop's source image. Each
// column was asked about its own crop, so the column picks the crop and the
// local index is only consulted for columns outside the request. A column
// whose source cannot be resolved keeps its previous index.
func (e *Executor) redoRemapper(ctx context.Context, p entity.RedoPayload, targets []llm.RedoTarget, crops []entity.Image) (func(columnID string, local, previous int) int, error) {
	byColumn := make(map[string]int, len(targets))
	for i, t := range targets {
		byColumn[t.Column.ID] = i
	}

	sourceOf := func(i int) string {
		if src := p.SourceImageIDs[targets[i].Column.ID]; src != "" {
			return src
		}
		return crops[i].SourceImageID
	}

	needOffsets := false
	for i := range targets {
		if sourceOf(i) != "" {
			needOffsets = true
			break
		}
	}
	var offsets map[string]int
	if needOffsets {
		images, err := e.deps.Store.Images.ListByBatch(ctx, p.BatchID)
		if err != nil {
			return nil, fmt.Errorf("list images of batch %s: %w", p.BatchID, err)
		}
		if offsets, err = e.imageOffsets(ctx, images); err != nil {
			return nil, err
		}
	}

	return func(columnID string, local, previous int) int {
		i, ok := byColumn[columnID]
		if !ok && local >= 0 && local < len(targets) {
			i, ok = local, true
		}
		if !ok {
			return previous
		}
		if global, found := offsets[sourceOf(i)]; found {
			return global
		}
		return previous
	}, nil
}

// firstPerColumn keeps the first result per column across all reply rows.
func firstPerColumn(rows [][]entity.ExtractionResult) map[string]entity.ExtractionResult {
	out := map[string]entity.ExtractionResult{}
	for _, row := range rows {
		for _, r := range row {
			if _, dup := out[r.ColumnID]; !dup {
				out[r.ColumnID] = r
			}
		}
	}
	return out
}

// mergeRow keeps the row's column order, swapping in redone results. A redone
// column the row did not have yet is appended in request order.
func mergeRow(current []entity.ExtractionResult, redo []string, fresh map[string]entity.ExtractionResult) []entity.ExtractionResult {
	merged := make([]entity.ExtractionResult, 0, len(current)+len(fresh))
	present := make(map[string]bool, len(current))
	for _, r := range current {
		present[r.ColumnID] = true
		if nr, ok := fresh[r.ColumnID]; ok {
			merged = append(merged, nr)
			continue
		}
		merged = append(merged, r)
	}
	for _, id := range redo {
		if present[id] {
			continue
		}
		if nr, ok := fresh[id]; ok {
			merged = append(merged, nr)
			present[id] = true
		}
	}
	return merged
}
