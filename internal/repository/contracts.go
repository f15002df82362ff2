package repository

import (
	"context"
	"time"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
)

var errDatabase = common.ErrDatabase

// JobUpdate lists the fields a job transition writes. Nil pointers leave a field untouched.
type JobUpdate struct {
	Status      constants.JobStatus
	Attempts    *int
	LastError   *string
	QueuedAt    *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// JobRepository persists jobs. It offers no transactions, only a conditional
// status transition that callers use for optimistic claims.
type JobRepository interface {
	Create(ctx context.Context, job *entity.Job) error
	Get(ctx context.Context, id string) (*entity.Job, error)
	// NextQueued returns the lowest-priority, oldest queued job, or nil when there is none.
	// An empty tenantID searches every tenant.
	NextQueued(ctx context.Context, tenantID string) (*entity.Job, error)
	// Transition applies upd only if the job still has status from. It reports whether a row changed.
	Transition(ctx context.Context, id string, from constants.JobStatus, upd JobUpdate) (bool, error)
	Delete(ctx context.Context, id string) error
	DeleteByStatus(ctx context.Context, tenantID string, statuses []constants.JobStatus, filter entity.JobFilter) (int, error)
	ListByStatus(ctx context.Context, tenantID string, status constants.JobStatus) ([]entity.Job, error)
	CountByStatus(ctx context.Context, tenantID string) (map[constants.JobStatus]int, error)
	TenantsWithStatus(ctx context.Context, status constants.JobStatus) ([]string, error)
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error)
}

// BatchRepository persists batches.
type BatchRepository interface {
	Create(ctx context.Context, b *entity.Batch) error
	Get(ctx context.Context, id string) (*entity.Batch, error)
	ListByStatus(ctx context.Context, tenantID string, status constants.BatchStatus) ([]entity.Batch, error)
	SetStatus(ctx context.Context, id string, status constants.BatchStatus, errorMessage string) error
	// MarkReviewed moves a batch to review with its final row count.
	MarkReviewed(ctx context.Context, id string, rowCount int) error
	// Reset returns a batch to its pre-processing state.
	Reset(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// ImageRepository persists image metadata; bytes live in blob storage.
type ImageRepository interface {
	Create(ctx context.Context, img *entity.Image) error
	Get(ctx context.Context, id string) (*entity.Image, error)
	// ListByBatch returns the batch's source images in position order, excluding crops.
	ListByBatch(ctx context.Context, batchID string) ([]entity.Image, error)
}

// RowRepository persists extraction rows.
type RowRepository interface {
	// CreateMany inserts every row of a batch in one round trip.
	CreateMany(ctx context.Context, rows []entity.ExtractionRow) error
	ListByBatch(ctx context.Context, batchID string) ([]entity.ExtractionRow, error)
	GetByIndex(ctx context.Context, batchID string, rowIndex int) (*entity.ExtractionRow, error)
	UpdateData(ctx context.Context, id string, data []entity.ExtractionResult) error
	DeleteByBatch(ctx context.Context, batchID string) (int, error)
}

// TenantRepository persists per-tenant extraction settings.
type TenantRepository interface {
	GetSettings(ctx context.Context, tenantID string) (*entity.TenantSettings, error)
	SaveSettings(ctx context.Context, s *entity.TenantSettings) error
}

// MetricRepository is the append-only processing metrics log.
type MetricRepository interface {
	Append(ctx context.Context, m *entity.ProcessingMetric) error
	ListByBatch(ctx context.Context, batchID string) ([]entity.ProcessingMetric, error)
}

// Store bundles the repositories of one record store.
type Store struct {
	Jobs    JobRepository
	Batches BatchRepository
	Images  ImageRepository
	Rows    RowRepository
	Tenants TenantRepository
	Metrics MetricRepository
}
