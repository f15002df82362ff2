package entity

import (
	"time"

	"github.com/jbndrf/Tabtin-sub001/constants"
)

// Batch is a group of input images extracted together.
type Batch struct {
	ID           string                `json:"id"`
	TenantID     string                `json:"tenant_id"`
	Name         string                `json:"name,omitempty"`
	Status       constants.BatchStatus `json:"status"`
	ErrorMessage string                `json:"error_message,omitempty"`
	RowCount     int                   `json:"row_count"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
	ProcessedAt  *time.Time            `json:"processed_at,omitempty"`
}

// Image is one stored input file of a batch. Cropped regions used by redo carry SourceImageID.
type Image struct {
	ID            string    `json:"id"`
	BatchID       string    `json:"batch_id"`
	TenantID      string    `json:"tenant_id"`
	Position      int       `json:"position"`
	FileName      string    `json:"file_name"`
	MimeType      string    `json:"mime_type"`
	StoragePath   string    `json:"storage_path"`
	SourceImageID string    `json:"source_image_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// IsCrop reports whether the image is a cropped region of another batch image.
func (i Image) IsCrop() bool { return i.SourceImageID != "" }

// BatchEvent announces a batch status change to live listeners.
type BatchEvent struct {
	BatchID  string                `json:"batch_id"`
	TenantID string                `json:"tenant_id"`
	Status   constants.BatchStatus `json:"status"`
	JobType  constants.JobType     `json:"job_type,omitempty"`
	RowCount int                   `json:"row_count,omitempty"`
	RowIndex int                   `json:"row_index,omitempty"`
	Error    string                `json:"error,omitempty"`
	At       time.Time             `json:"at"`
}
