package constants

// JobType selects the executor flow for a queued job.
type JobType string

const (
	JobTypeProcessBatch   JobType = "process_batch"
	JobTypeReprocessBatch JobType = "reprocess_batch"
	JobTypeProcessRedo    JobType = "process_redo"
)

// JobTypes lists every job type the executor understands.
var JobTypes = []JobType{JobTypeProcessBatch, JobTypeReprocessBatch, JobTypeProcessRedo}

// JobStatus is the canonical status stored in the jobs table.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying" // sleeping through backoff, not claimable
)

// BatchStatus is the lifecycle of a batch of input images.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusReview     BatchStatus = "review"
	BatchStatusApproved   BatchStatus = "approved"
	BatchStatusFailed     BatchStatus = "failed"
)

// RowStatus is the review state of one extraction row.
type RowStatus string

const (
	RowStatusReview   RowStatus = "review"
	RowStatusApproved RowStatus = "approved"
)

// Default priorities; lower is served sooner.
const (
	PriorityRedo      = 1
	PriorityProcess   = 5
	PriorityReprocess = 9
)

// BBoxConvention is the coordinate order a model uses for bbox_2d.
type BBoxConvention string

const (
	BBoxXYXY BBoxConvention = "xyxy" // [x1, y1, x2, y2]
	BBoxYXYX BBoxConvention = "yxyx" // [y_min, x_min, y_max, x_max]
)
