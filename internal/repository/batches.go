package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
)

const batchesTable = "batches"

var batchColumns = []string{
	"id", "tenant_id", "name", "status", "error_message", "row_count", "created_at", "updated_at", "processed_at",
}

type batchRepo struct {
	db  *DB
	log *slog.Logger
	now func() time.Time
}

func NewBatchRepository(db *DB, log *slog.Logger) BatchRepository {
	if log == nil {
		log = slog.Default()
	}
	return &batchRepo{db: db, log: log, now: time.Now}
}

func (r *batchRepo) Create(ctx context.Context, b *entity.Batch) error {
	now := r.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	if b.Status == "" {
		b.Status = constants.BatchStatusPending
	}
	q := r.db.builder().Insert(batchesTable).
		Columns(batchColumns...).
		Values(b.ID, b.TenantID, b.Name, string(b.Status), b.ErrorMessage, b.RowCount,
			toNanos(b.CreatedAt), toNanos(b.UpdatedAt), nullableNanos(b.ProcessedAt))
	if _, err := r.db.exec(ctx, q); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (r *batchRepo) Get(ctx context.Context, id string) (*entity.Batch, error) {
	q := r.db.builder().Select(batchColumns...).
		From(entsql.Table(batchesTable)).
		Where(entsql.EQ("id", id)).
		Limit(1)
	out, err := r.list(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, common.NotFoundf("batch %s", id)
	}
	return &out[0], nil
}

func (r *batchRepo) ListByStatus(ctx context.Context, tenantID string, status constants.BatchStatus) ([]entity.Batch, error) {
	q := r.db.builder().Select(batchColumns...).
		From(entsql.Table(batchesTable)).
		Where(entsql.And(entsql.EQ("tenant_id", tenantID), entsql.EQ("status", string(status)))).
		OrderBy("created_at")
	return r.list(ctx, q)
}

func (r *batchRepo) SetStatus(ctx context.Context, id string, status constants.BatchStatus, errorMessage string) error {
	u := r.db.builder().Update(batchesTable).
		Set("status", string(status)).
		Set("error_message", errorMessage).
		Set("updated_at", toNanos(r.now())).
		Where(entsql.EQ("id", id))
	return r.update(ctx, id, u)
}

func (r *batchRepo) MarkReviewed(ctx context.Context, id string, rowCount int) error {
	now := r.now()
	u := r.db.builder().Update(batchesTable).
		Set("status", string(constants.BatchStatusReview)).
		Set("error_message", "").
		Set("row_count", rowCount).
		Set("updated_at", toNanos(now)).
		Set("processed_at", toNanos(now)).
		Where(entsql.EQ("id", id))
	return r.update(ctx, id, u)
}

func (r *batchRepo) Reset(ctx context.Context, id string) error {
	u := r.db.builder().Update(batchesTable).
		Set("status", string(constants.BatchStatusPending)).
		Set("error_message", "").
		Set("row_count", 0).
		Set("updated_at", toNanos(r.now())).
		SetNull("processed_at").
		Where(entsql.EQ("id", id))
	return r.update(ctx, id, u)
}

func (r *batchRepo) Delete(ctx context.Context, id string) error {
	q := r.db.builder().Delete(batchesTable).Where(entsql.EQ("id", id))
	if _, err := r.db.exec(ctx, q); err != nil {
		return fmt.Errorf("delete batch %s: %w", id, err)
	}
	return nil
}

func (r *batchRepo) update(ctx context.Context, id string, u *entsql.UpdateBuilder) error {
	res, err := r.db.exec(ctx, u)
	if err != nil {
		r.log.Error("batch update failed", "batch_id", id, "err", err)
		return fmt.Errorf("update batch %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.NotFoundf("batch %s", id)
	}
	return nil
}

func (r *batchRepo) list(ctx context.Context, q *entsql.Selector) ([]entity.Batch, error) {
	rows, err := r.db.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var out []entity.Batch
	for rows.Next() {
		var (
			b                    entity.Batch
			status               string
			createdAt, updatedAt int64
			processedAt          sql.NullInt64
		)
		if err := rows.Scan(&b.ID, &b.TenantID, &b.Name, &status, &b.ErrorMessage, &b.RowCount,
			&createdAt, &updatedAt, &processedAt); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.Status = constants.BatchStatus(status)
		b.CreatedAt = fromNanos(createdAt)
		b.UpdatedAt = fromNanos(updatedAt)
		b.ProcessedAt = fromNullNanos(processedAt)
		out = append(out, b)
	}
	return out, rows.Err()
}
