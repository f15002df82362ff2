package entity

import (
	"time"

	"github.com/jbndrf/Tabtin-sub001/constants"
)

// ExtractionResult is one column's value for one row.
type ExtractionResult struct {
	ColumnID   string    `json:"column_id"`
	ColumnName string    `json:"column_name"`
	Value      any       `json:"value"`
	ImageIndex int       `json:"image_index"`
	BBox2D     []float64 `json:"bbox_2d,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	RowIndex   *int      `json:"row_index,omitempty"`
}

// ExtractionRow is one item found in a batch. RowIndex is 1-based.
type ExtractionRow struct {
	ID        string              `json:"id"`
	BatchID   string              `json:"batch_id"`
	TenantID  string              `json:"tenant_id"`
	RowIndex  int                 `json:"row_index"`
	RowData   []ExtractionResult  `json:"row_data"`
	Status    constants.RowStatus `json:"status"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// ProcessingMetric is the append-only record of one batch or redo attempt.
type ProcessingMetric struct {
	ID              string            `json:"id"`
	BatchID         string            `json:"batch_id"`
	TenantID        string            `json:"tenant_id"`
	JobType         constants.JobType `json:"job_type"`
	StartTime       time.Time         `json:"start_time"`
	EndTime         time.Time         `json:"end_time"`
	Status          string            `json:"status"`
	ImageCount      int               `json:"image_count"`
	ExtractionCount *int              `json:"extraction_count,omitempty"`
	ModelUsed       string            `json:"model_used,omitempty"`
	TokensUsed      *int              `json:"tokens_used,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
}

const (
	MetricStatusSuccess = "success"
	MetricStatusFailed  = "failed"
)
