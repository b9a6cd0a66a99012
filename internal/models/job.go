package models

import (
	"time"
)

// JobStatus represents the state of a scan job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobType represents the kind of work a scan job tracks
type JobType string

const (
	JobTypeLibraryScan    JobType = "library-scan"
	JobTypeCollectionScan JobType = "collection-scan"
	JobTypeResume         JobType = "resume-collection"
	JobTypeBulkOperation  JobType = "bulk-operation"
)

// Stage names used across the pipeline. Stages must be initialized with their
// totals before any message referencing them is published; an increment
// against a missing stage has no field to target.
const (
	StageImages    = "images"
	StageThumbnail = "thumbnail"
	StageCache     = "cache"
)

// JobStage is a per-stage sub-counter on a scan job.
type JobStage struct {
	TotalItems     int       `json:"total_items"`
	CompletedItems int       `json:"completed_items"`
	FailedItems    int       `json:"failed_items"`
	Status         JobStatus `json:"status"`
}

// Complete reports whether the stage has reached its total.
func (s *JobStage) Complete() bool {
	return s.CompletedItems >= s.TotalItems
}

// ScanJob tracks the progress of one pipeline operation (a collection scan, a
// resume pass, or a bulk operation) across its stages.
//
// Counter semantics are at-least-once: increments are unconditional, so
// duplicate message delivery can overshoot. completed+failed+skipped never
// exceeds total on the happy path; overshoot from redelivery is tolerated
// and visible rather than hidden.
type ScanJob struct {
	ID             string               `json:"id" badgerhold:"key"`
	Type           JobType              `json:"type" badgerhold:"index"`
	Status         JobStatus            `json:"status" badgerhold:"index"`
	CollectionID   string               `json:"collection_id,omitempty" badgerhold:"index"`
	TotalItems     int                  `json:"total_items"`
	CompletedItems int                  `json:"completed_items"`
	FailedItems    int                  `json:"failed_items"`
	SkippedItems   int                  `json:"skipped_items"`
	BytesProcessed int64                `json:"bytes_processed"`
	ErrorCounts    map[string]int       `json:"error_counts,omitempty"` // error kind -> occurrences
	Stages         map[string]*JobStage `json:"stages,omitempty"`
	// Error holds a concise description of why the job failed. Format:
	// "Category: Brief description". Only populated for failed jobs.
	Error          string    `json:"error,omitempty"`
	Stalled        bool      `json:"stalled"` // Observation flag set by the monitor; not a status
	CreatedAt      time.Time `json:"created_at"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
	LastProgressAt time.Time `json:"last_progress_at,omitempty"`
}

// NewScanJob builds a pending job with the given type and optional collection.
func NewScanJob(id string, jobType JobType, collectionID string) *ScanJob {
	now := time.Now()
	return &ScanJob{
		ID:             id,
		Type:           jobType,
		Status:         JobStatusPending,
		CollectionID:   collectionID,
		ErrorCounts:    make(map[string]int),
		Stages:         make(map[string]*JobStage),
		CreatedAt:      now,
		LastProgressAt: now,
	}
}

// Stage returns the named stage, or nil when it was never initialized.
func (j *ScanJob) Stage(name string) *JobStage {
	if j.Stages == nil {
		return nil
	}
	return j.Stages[name]
}

// StagesComplete reports whether every initialized stage has reached its
// total. A job with no stages is judged on its global counters instead.
func (j *ScanJob) StagesComplete() bool {
	if len(j.Stages) == 0 {
		return j.TotalItems > 0 && j.CompletedItems+j.FailedItems+j.SkippedItems >= j.TotalItems
	}
	for _, stage := range j.Stages {
		if !stage.Complete() {
			return false
		}
	}
	return true
}

// HandledItems returns completed+failed+skipped.
func (j *ScanJob) HandledItems() int {
	return j.CompletedItems + j.FailedItems + j.SkippedItems
}
