// Package event normalizes provider webhooks and routes them to the sync
// handler through the worker pool.
package event

import (
	"fmt"
	"time"
)

// Type represents the type of webhook event.
type Type string

const (
	TypeMROpened   Type = "mr_opened"
	TypeMRUpdated  Type = "mr_updated" // new commits pushed
	TypeMRClosed   Type = "mr_closed"
	TypeMRMerged   Type = "mr_merged"
	TypeApproved   Type = "approved"
	TypeUnapproved Type = "unapproved"
	TypePipeline   Type = "pipeline"
)

// Event represents a normalized webhook event.
type Event struct {
	Type     Type
	Provider string

	RepoOwner string
	RepoName  string
	RepoURL   string

	MRNumber     int
	MRTitle      string
	SourceBranch string
	TargetBranch string
	HeadSHA      string

	// Actor is the username that triggered the event.
	Actor string

	// Pipeline is set for TypePipeline.
	Pipeline *PipelineInfo

	Timestamp  time.Time
	RawPayload []byte
}

// PipelineInfo describes the pipeline in a pipeline event.
type PipelineInfo struct {
	ID     int64
	Ref    string
	SHA    string
	Status string // provider status, see pipeline.NormalizeStatus
}

// Key identifies the subject of the event. Events with equal keys are
// debounced and collapsed in the worker queue.
func (e *Event) Key() string {
	key := e.Provider + "/" + e.RepoOwner + "/" + e.RepoName + "/" + string(e.Type)
	if e.Pipeline != nil {
		return key + "/" + fmt.Sprint(e.Pipeline.ID) + "/" + e.Pipeline.Status
	}
	return key + "/" + fmt.Sprint(e.MRNumber)
}
