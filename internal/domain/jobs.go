package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// JobStatus moves only forward: OPEN -> RUNNING -> COMPLETED | FAILED.
type JobStatus string

const (
	JobStatusOpen      JobStatus = "OPEN"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// JobType selects the worker implementation for a job row.
type JobType string

const (
	JobTypeMediaScan       JobType = "MEDIA_SCAN"
	JobTypeFileMatcher     JobType = "FILE_MATCHER"
	JobTypeMetadataMatcher JobType = "METADATA_MATCHER"
	JobTypeMovieMatcher    JobType = "MOVIE_MATCHER"
	JobTypeTVMatcher       JobType = "TV_METADATA_MATCHER"
	JobTypeFFProbe         JobType = "FFPROBE"
	JobTypeImageDownloader JobType = "IMAGE_DOWNLOADER"
	JobTypeTranscoder      JobType = "TRANSCODER"
)

// JobTypes lists every job type the dispatcher may encounter. Startup
// validates the worker registry against this set.
func JobTypes() []JobType {
	return []JobType{
		JobTypeMediaScan,
		JobTypeFileMatcher,
		JobTypeMetadataMatcher,
		JobTypeMovieMatcher,
		JobTypeTVMatcher,
		JobTypeFFProbe,
		JobTypeImageDownloader,
		JobTypeTranscoder,
	}
}

/*
Job is one persisted unit of finite work.

Rows are created with status OPEN (externally or as children of a running
job), claimed under a row lock by exactly one execution context, and driven
to COMPLETED or FAILED by that context. Rows are never deleted by the
dispatcher. parent_job_id records the spawn tree for inspection only; nothing
walks it at runtime.
*/
type Job struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobType     JobType        `gorm:"column:job_type;not null;index:idx_jobs_type_status" json:"job_type"`
	Status      JobStatus      `gorm:"column:status;not null;index:idx_jobs_status_priority_created,priority:1;index:idx_jobs_type_status" json:"status"`
	Parameters  datatypes.JSON `gorm:"column:parameters" json:"parameters"`
	Priority    int            `gorm:"column:priority;not null;default:0;index:idx_jobs_status_priority_created,priority:2,sort:desc" json:"priority"`
	RetryCount  int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	ParentJobID *uuid.UUID     `gorm:"type:uuid;column:parent_job_id" json:"parent_job_id,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;index:idx_jobs_status_priority_created,priority:3" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null" json:"updated_at"`
	StartedAt   *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	Error       string         `gorm:"column:error" json:"error,omitempty"`
}

func (Job) TableName() string { return "jobs" }
