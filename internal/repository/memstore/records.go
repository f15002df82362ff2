package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
)

type batches struct{ d *DB }

func (r batches) Create(_ context.Context, b *entity.Batch) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	now := r.d.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	if b.Status == "" {
		b.Status = constants.BatchStatusPending
	}
	r.d.batches[b.ID] = *b
	return nil
}

func (r batches) Get(_ context.Context, id string) (*entity.Batch, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	b, ok := r.d.batches[id]
	if !ok {
		return nil, common.NotFoundf("batch %s", id)
	}
	return &b, nil
}

func (r batches) ListByStatus(_ context.Context, tenantID string, status constants.BatchStatus) ([]entity.Batch, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var out []entity.Batch
	for _, b := range r.d.batches {
		if b.TenantID == tenantID && b.Status == status {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (r batches) mutate(id string, fn func(b *entity.Batch)) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	b, ok := r.d.batches[id]
	if !ok {
		return common.NotFoundf("batch %s", id)
	}
	fn(&b)
	b.UpdatedAt = r.d.now()
	r.d.batches[id] = b
	return nil
}

func (r batches) SetStatus(_ context.Context, id string, status constants.BatchStatus, errorMessage string) error {
	return r.mutate(id, func(b *entity.Batch) {
		b.Status = status
		b.ErrorMessage = errorMessage
	})
}

func (r batches) MarkReviewed(_ context.Context, id string, rowCount int) error {
	return r.mutate(id, func(b *entity.Batch) {
		now := r.d.now()
		b.Status = constants.BatchStatusReview
		b.ErrorMessage = ""
		b.RowCount = rowCount
		b.ProcessedAt = &now
	})
}

func (r batches) Reset(_ context.Context, id string) error {
	return r.mutate(id, func(b *entity.Batch) {
		b.Status = constants.BatchStatusPending
		b.ErrorMessage = ""
		b.RowCount = 0
		b.ProcessedAt = nil
	})
}

func (r batches) Delete(_ context.Context, id string) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	delete(r.d.batches, id)
	return nil
}

type images struct{ d *DB }

func (r images) Create(_ context.Context, img *entity.Image) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if img.CreatedAt.IsZero() {
		img.CreatedAt = r.d.now()
	}
	r.d.images[img.ID] = *img
	return nil
}

func (r images) Get(_ context.Context, id string) (*entity.Image, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	img, ok := r.d.images[id]
	if !ok {
		return nil, common.NotFoundf("image %s", id)
	}
	return &img, nil
}

func (r images) ListByBatch(_ context.Context, batchID string) ([]entity.Image, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var out []entity.Image
	for _, img := range r.d.images {
		if img.BatchID == batchID && !img.IsCrop() {
			out = append(out, img)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Position != out[k].Position {
			return out[i].Position < out[k].Position
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

// Rows are stored encoded so readers never share slices with writers.
type rows struct{ d *DB }

func (r rows) CreateMany(_ context.Context, list []entity.ExtractionRow) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	for _, row := range list {
		for _, existing := range r.d.rows {
			if existing.BatchID == row.BatchID && existing.RowIndex == row.RowIndex {
				return common.NewAppError("DUPLICATE", fmt.Sprintf("row %d of batch %s exists", row.RowIndex, row.BatchID), common.ErrConflict)
			}
		}
	}
	now := r.d.now()
	for _, row := range list {
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		row.UpdatedAt = now
		cp, err := cloneRow(row)
		if err != nil {
			return err
		}
		r.d.rows[row.ID] = cp
	}
	return nil
}

func (r rows) ListByBatch(_ context.Context, batchID string) ([]entity.ExtractionRow, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var out []entity.ExtractionRow
	for _, row := range r.d.rows {
		if row.BatchID != batchID {
			continue
		}
		cp, err := cloneRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RowIndex < out[k].RowIndex })
	return out, nil
}

func (r rows) GetByIndex(_ context.Context, batchID string, rowIndex int) (*entity.ExtractionRow, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	for _, row := range r.d.rows {
		if row.BatchID == batchID && row.RowIndex == rowIndex {
			cp, err := cloneRow(row)
			if err != nil {
				return nil, err
			}
			return &cp, nil
		}
	}
	return nil, common.NotFoundf("row %d of batch %s", rowIndex, batchID)
}

func (r rows) UpdateData(_ context.Context, id string, data []entity.ExtractionResult) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	row, ok := r.d.rows[id]
	if !ok {
		return common.NotFoundf("row %s", id)
	}
	row.RowData = data
	row.UpdatedAt = r.d.now()
	cp, err := cloneRow(row)
	if err != nil {
		return err
	}
	r.d.rows[id] = cp
	return nil
}

func (r rows) DeleteByBatch(_ context.Context, batchID string) (int, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	n := 0
	for id, row := range r.d.rows {
		if row.BatchID == batchID {
			delete(r.d.rows, id)
			n++
		}
	}
	return n, nil
}

func cloneRow(row entity.ExtractionRow) (entity.ExtractionRow, error) {
	b, err := json.Marshal(row.RowData)
	if err != nil {
		return entity.ExtractionRow{}, fmt.Errorf("encode row data: %w", err)
	}
	row.RowData = nil
	if err := json.Unmarshal(b, &row.RowData); err != nil {
		return entity.ExtractionRow{}, fmt.Errorf("decode row data: %w", err)
	}
	return row, nil
}

type tenants struct{ d *DB }

func (r tenants) GetSettings(_ context.Context, tenantID string) (*entity.TenantSettings, error) {
	r.d.mu.Lock()
	raw, ok := r.d.settings[tenantID]
	r.d.mu.Unlock()
	if !ok {
		return nil, common.NotFoundf("settings for tenant %s", tenantID)
	}
	var s entity.TenantSettings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode tenant settings: %w", err)
	}
	s.TenantID = tenantID
	return &s, nil
}

func (r tenants) SaveSettings(_ context.Context, s *entity.TenantSettings) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode tenant settings: %w", err)
	}
	r.d.mu.Lock()
	r.d.settings[s.TenantID] = b
	r.d.mu.Unlock()
	return nil
}

type metrics struct{ d *DB }

func (r metrics) Append(_ context.Context, m *entity.ProcessingMetric) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	r.d.metrics = append(r.d.metrics, *m)
	return nil
}

func (r metrics) ListByBatch(_ context.Context, batchID string) ([]entity.ProcessingMetric, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var out []entity.ProcessingMetric
	for _, m := range r.d.metrics {
		if m.BatchID == batchID {
			out = append(out, m)
		}
	}
	return out, nil
}
