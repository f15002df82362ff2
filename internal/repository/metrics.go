package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
)

const metricsTable = "processing_metrics"

var metricColumns = []string{
	"id", "batch_id", "tenant_id", "job_type", "start_time", "end_time", "status", "image_count",
	"extraction_count", "model_used", "tokens_used", "error_message",
}

type metricRepo struct {
	db  *DB
	log *slog.Logger
}

func NewMetricRepository(db *DB, log *slog.Logger) MetricRepository {
	if log == nil {
		log = slog.Default()
	}
	return &metricRepo{db: db, log: log}
}

func (r *metricRepo) Append(ctx context.Context, m *entity.ProcessingMetric) error {
	q := r.db.builder().Insert(metricsTable).
		Columns(metricColumns...).
		Values(m.ID, m.BatchID, m.TenantID, string(m.JobType), toNanos(m.StartTime), toNanos(m.EndTime),
			m.Status, m.ImageCount, nullableInt(m.ExtractionCount), m.ModelUsed, nullableInt(m.TokensUsed),
			m.ErrorMessage)
	if _, err := r.db.exec(ctx, q); err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

func (r *metricRepo) ListByBatch(ctx context.Context, batchID string) ([]entity.ProcessingMetric, error) {
	q := r.db.builder().Select(metricColumns...).
		From(entsql.Table(metricsTable)).
		Where(entsql.EQ("batch_id", batchID)).
		OrderBy("start_time")
	rows, err := r.db.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []entity.ProcessingMetric
	for rows.Next() {
		var (
			m               entity.ProcessingMetric
			jobType         string
			start, end      int64
			extracted, toks sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.BatchID, &m.TenantID, &jobType, &start, &end, &m.Status, &m.ImageCount,
			&extracted, &m.ModelUsed, &toks, &m.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.JobType = constants.JobType(jobType)
		m.StartTime = fromNanos(start)
		m.EndTime = fromNanos(end)
		m.ExtractionCount = intPtr(extracted)
		m.TokensUsed = intPtr(toks)
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
