package entity

import (
	"encoding/json"
	"time"

	"github.com/jbndrf/Tabtin-sub001/constants"
)

// Job is one queued unit of work for a tenant's executor.
type Job struct {
	ID          string              `json:"id"`
	Type        constants.JobType   `json:"type"`
	Status      constants.JobStatus `json:"status"`
	Payload     json.RawMessage     `json:"payload"`
	Priority    int                 `json:"priority"`
	Attempts    int                 `json:"attempts"`
	MaxAttempts int                 `json:"max_attempts"`
	LastError   string              `json:"last_error,omitempty"`
	TenantID    string              `json:"tenant_id"`
	BatchID     string              `json:"batch_id,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	QueuedAt    time.Time           `json:"queued_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// JobFilter narrows bulk operations on a tenant's jobs. Zero fields match everything.
type JobFilter struct {
	Type    constants.JobType
	BatchID string
}

// JobStats counts a tenant's jobs per status.
type JobStats struct {
	TenantID   string `json:"tenant_id"`
	Queued     int    `json:"queued"`
	Processing int    `json:"processing"`
	Retrying   int    `json:"retrying"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Total      int    `json:"total"`
}

// Add folds a per-status count into the stats.
func (s *JobStats) Add(status constants.JobStatus, n int) {
	switch status {
	case constants.JobStatusQueued:
		s.Queued += n
	case constants.JobStatusProcessing:
		s.Processing += n
	case constants.JobStatusRetrying:
		s.Retrying += n
	case constants.JobStatusCompleted:
		s.Completed += n
	case constants.JobStatusFailed:
		s.Failed += n
	}
	s.Total += n
}

// ProcessBatchPayload is the payload of a process_batch job.
type ProcessBatchPayload struct {
	BatchID  string `json:"batchId"`
	TenantID string `json:"tenantId"`
}

// ReprocessBatchPayload is the payload of a reprocess_batch job.
type ReprocessBatchPayload struct {
	BatchIDs []string `json:"batchIds"`
	TenantID string   `json:"tenantId"`
}

// RedoPayload is the payload of a process_redo job. RowIndex is the stored 1-based row index.
type RedoPayload struct {
	BatchID         string            `json:"batchId"`
	TenantID        string            `json:"tenantId"`
	RowIndex        int               `json:"rowIndex"`
	RedoColumnIDs   []string          `json:"redoColumnIds"`
	CroppedImageIDs map[string]string `json:"croppedImageIds"`
	SourceImageIDs  map[string]string `json:"sourceImageIds,omitempty"`
}
