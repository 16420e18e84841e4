package models

import (
	"fmt"
	"time"
)

// TrainStatus is the state of a merge train entry. Values are persisted.
type TrainStatus int

const (
	TrainIdle    TrainStatus = 0
	TrainMerged  TrainStatus = 1
	TrainStale   TrainStatus = 2
	TrainFresh   TrainStatus = 3
	TrainMerging TrainStatus = 4
)

func (s TrainStatus) String() string {
	switch s {
	case TrainIdle:
		return "idle"
	case TrainMerged:
		return "merged"
	case TrainStale:
		return "stale"
	case TrainFresh:
		return "fresh"
	case TrainMerging:
		return "merging"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the status by name.
func (s TrainStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TrainEntry is one merge request's slot in a (project, branch) train.
type TrainEntry struct {
	ID             int64         `json:"id"`
	ProjectID      int64         `json:"project_id"`
	TargetBranch   string        `json:"target_branch"`
	MergeRequestID int64         `json:"merge_request_id"`
	UserID         int64         `json:"user_id"`
	Status         TrainStatus   `json:"status"`
	PipelineID     int64         `json:"pipeline_id,omitempty"`
	MergedAt       *time.Time    `json:"merged_at,omitempty"`
	Duration       time.Duration `json:"duration,omitempty"`
	LockVersion    int           `json:"lock_version"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Active reports whether the entry still occupies a slot in the queue.
func (e *TrainEntry) Active() bool {
	return e.Status != TrainMerged
}

// TrainRef is the ephemeral branch holding the entry's speculative merge.
func TrainRef(iid int) string {
	return fmt.Sprintf("merge-train/%d", iid)
}

// PipelineStatus is the CI status of a pipeline.
type PipelineStatus string

const (
	PipelineCreated  PipelineStatus = "created"
	PipelinePending  PipelineStatus = "pending"
	PipelineRunning  PipelineStatus = "running"
	PipelineSuccess  PipelineStatus = "success"
	PipelineFailed   PipelineStatus = "failed"
	PipelineCanceled PipelineStatus = "canceled"
	PipelineSkipped  PipelineStatus = "skipped"
)

// Finished reports whether the status is terminal.
func (s PipelineStatus) Finished() bool {
	switch s {
	case PipelineSuccess, PipelineFailed, PipelineCanceled, PipelineSkipped:
		return true
	}
	return false
}

// Pipeline is a CI run against a ref.
type Pipeline struct {
	ID        int64          `json:"id"`
	ProjectID int64          `json:"project_id"`
	Ref       string         `json:"ref"`
	SHA       string         `json:"sha"`
	Status    PipelineStatus `json:"status"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Succeeded reports whether the pipeline passed.
func (p *Pipeline) Succeeded() bool {
	return p.Status == PipelineSuccess
}
