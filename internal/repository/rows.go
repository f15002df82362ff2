package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
)

const rowsTable = "extraction_rows"

var rowColumns = []string{
	"id", "batch_id", "tenant_id", "row_index", "row_data", "status", "created_at", "updated_at",
}

type rowRepo struct {
	db  *DB
	log *slog.Logger
	now func() time.Time
}

func NewRowRepository(db *DB, log *slog.Logger) RowRepository {
	if log == nil {
		log = slog.Default()
	}
	return &rowRepo{db: db, log: log, now: time.Now}
}

func (r *rowRepo) CreateMany(ctx context.Context, rows []entity.ExtractionRow) error {
	if len(rows) == 0 {
		return nil
	}
	now := r.now()
	ins := r.db.builder().Insert(rowsTable).Columns(rowColumns...)
	for i := range rows {
		row := &rows[i]
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		row.UpdatedAt = now
		data, err := json.Marshal(row.RowData)
		if err != nil {
			return fmt.Errorf("encode row %d: %w", row.RowIndex, err)
		}
		ins.Values(row.ID, row.BatchID, row.TenantID, row.RowIndex, string(data), string(row.Status),
			toNanos(row.CreatedAt), toNanos(row.UpdatedAt))
	}
	if _, err := r.db.exec(ctx, ins); err != nil {
		r.log.Error("extraction rows insert failed", "batch_id", rows[0].BatchID, "rows", len(rows), "err", err)
		return fmt.Errorf("insert rows: %w", err)
	}
	return nil
}

func (r *rowRepo) ListByBatch(ctx context.Context, batchID string) ([]entity.ExtractionRow, error) {
	q := r.db.builder().Select(rowColumns...).
		From(entsql.Table(rowsTable)).
		Where(entsql.EQ("batch_id", batchID)).
		OrderBy("row_index")
	return r.list(ctx, q)
}

func (r *rowRepo) GetByIndex(ctx context.Context, batchID string, rowIndex int) (*entity.ExtractionRow, error) {
	q := r.db.builder().Select(rowColumns...).
		From(entsql.Table(rowsTable)).
		Where(entsql.And(entsql.EQ("batch_id", batchID), entsql.EQ("row_index", rowIndex))).
		Limit(1)
	out, err := r.list(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, common.NotFoundf("row %d of batch %s", rowIndex, batchID)
	}
	return &out[0], nil
}

func (r *rowRepo) UpdateData(ctx context.Context, id string, data []entity.ExtractionResult) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode row data: %w", err)
	}
	u := r.db.builder().Update(rowsTable).
		Set("row_data", string(b)).
		Set("updated_at", toNanos(r.now())).
		Where(entsql.EQ("id", id))
	res, err := r.db.exec(ctx, u)
	if err != nil {
		return fmt.Errorf("update row %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.NotFoundf("row %s", id)
	}
	return nil
}

func (r *rowRepo) DeleteByBatch(ctx context.Context, batchID string) (int, error) {
	q := r.db.builder().Delete(rowsTable).Where(entsql.EQ("batch_id", batchID))
	res, err := r.db.exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("delete rows of batch %s: %w", batchID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *rowRepo) list(ctx context.Context, q *entsql.Selector) ([]entity.ExtractionRow, error) {
	rows, err := r.db.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	var out []entity.ExtractionRow
	for rows.Next() {
		var (
			row                  entity.ExtractionRow
			data, status         string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&row.ID, &row.BatchID, &row.TenantID, &row.RowIndex, &data, &status,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &row.RowData); err != nil {
			return nil, fmt.Errorf("decode row %s: %w", row.ID, err)
		}
		row.Status = constants.RowStatus(status)
		row.CreatedAt = fromNanos(createdAt)
		row.UpdatedAt = fromNanos(updatedAt)
		out = append(out, row)
	}
	return out, rows.Err()
}
