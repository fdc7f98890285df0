// Package activities exposes sync orchestration as Temporal activities.
package activities

import (
	"github.com/nucleus/sync-core/internal/job"
)

// SourceSpec selects and configures the source connector for a run.
type SourceSpec struct {
	TemplateID string         `json:"templateId"`
	Config     map[string]any `json:"config,omitempty"`
}

// DestinationBinding attaches a configured destination to one DAG
// destination node.
type DestinationBinding struct {
	NodeID     string         `json:"nodeId"`
	TemplateID string         `json:"templateId"`
	Config     map[string]any `json:"config,omitempty"`
	Collection string         `json:"collection"`
	VectorSize int            `json:"vectorSize,omitempty"`
	Required   bool           `json:"required"`
}

// SyncJobRequest is the workflow-facing input of RunSync.
type SyncJobRequest struct {
	SyncID string `json:"syncId"`
	JobID  string `json:"jobId,omitempty"`
	Mode   string `json:"mode,omitempty"` // full or incremental, default full

	Source       SourceSpec           `json:"source"`
	DagYAML      string               `json:"dagYaml"`
	Destinations []DestinationBinding `json:"destinations"`

	BatchSize      int `json:"batchSize,omitempty"`
	MaxBatches     int `json:"maxBatches,omitempty"`
	Workers        int `json:"workers,omitempty"`
	RetryBudget    int `json:"retryBudget,omitempty"`
	RetryBackoffMS int `json:"retryBackoffMs,omitempty"`
}

// SyncJobResult is the terminal outcome of one sync run.
type SyncJobResult struct {
	JobID    string           `json:"jobId"`
	SyncID   string           `json:"syncId"`
	Status   string           `json:"status"`
	Counters job.Counters     `json:"counters"`
	Error    *job.ErrorDetail `json:"error,omitempty"`
}
