package activities

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/nucleus/sync-core/internal/cursor"
	"github.com/nucleus/sync-core/internal/dag"
	"github.com/nucleus/sync-core/internal/job"
	"github.com/nucleus/sync-core/internal/orchestrator"
	"github.com/nucleus/sync-core/internal/progress"
	"github.com/nucleus/sync-core/internal/reconcile"
	"github.com/nucleus/sync-core/pkg/destination"
	"github.com/nucleus/sync-core/pkg/entity"
	"github.com/nucleus/sync-core/pkg/source"
)

// Activities holds the registries and stores shared by every sync run on
// this worker.
type Activities struct {
	Sources      *source.Registry
	Destinations *destination.Registry
	Transformers *dag.TransformerRegistry
	Definitions  map[string]entity.Definition

	Cursors cursor.Store
	History *cursor.History
	Records reconcile.Store
}

// NewActivities creates the activity set from pre-built registries.
func NewActivities(
	sources *source.Registry,
	destinations *destination.Registry,
	transformers *dag.TransformerRegistry,
	definitions map[string]entity.Definition,
	cursors cursor.Store,
	records reconcile.Store,
) *Activities {
	return &Activities{
		Sources:      sources,
		Destinations: destinations,
		Transformers: transformers,
		Definitions:  definitions,
		Cursors:      cursors,
		Records:      records,
	}
}

// RunSync executes one sync job to its terminal state. Non-retryable
// failures (expired credentials, invalid DAG) are surfaced as non-retryable
// application errors so the workflow does not spin.
func (a *Activities) RunSync(ctx context.Context, req SyncJobRequest) (*SyncJobResult, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("starting sync run", "syncId", req.SyncID, "mode", req.Mode)

	src, err := a.Sources.Create(req.Source.TemplateID, req.Source.Config)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("create source %s", req.Source.TemplateID), "E_CONFIG", err)
	}
	defer src.Close()

	def, err := dag.ParseDefinition([]byte(req.DagYAML))
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError("parse dag", "E_CONFIG", err)
	}

	handles, closeAll, err := a.bindDestinations(req.Destinations)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError("bind destinations", "E_CONFIG", err)
	}
	defer closeAll()

	mode := orchestrator.Mode(req.Mode)
	if mode == "" {
		mode = orchestrator.ModeFull
	}

	o, err := orchestrator.New(orchestrator.Config{
		SyncID:       req.SyncID,
		JobID:        req.JobID,
		Mode:         mode,
		Source:       src,
		DAG:          def,
		Transformers: a.Transformers,
		Definitions:  a.Definitions,
		Handles:      handles,
		Cursors:      a.Cursors,
		History:      a.History,
		Records:      a.Records,
		BatchSize:    req.BatchSize,
		MaxBatches:   req.MaxBatches,
		Workers:      req.Workers,
		RetryBudget:  req.RetryBudget,
		RetryBackoff: time.Duration(req.RetryBackoffMS) * time.Millisecond,
		Sinks: []progress.Sink{
			progress.LogSink{Logger: logger},
			heartbeatSink{ctx: ctx},
		},
		Logger: logger,
	})
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError("configure run", "E_CONFIG", err)
	}

	snap, runErr := o.Run(ctx)
	result := &SyncJobResult{
		JobID:    snap.ID,
		SyncID:   snap.SyncID,
		Status:   string(snap.Status),
		Counters: snap.Counters,
		Error:    snap.Error,
	}

	logger.Info("sync run finished",
		"syncId", req.SyncID, "jobId", snap.ID, "status", result.Status,
		"inserted", snap.Counters.Inserted, "updated", snap.Counters.Updated,
		"kept", snap.Counters.Kept, "deleted", snap.Counters.Deleted,
		"skipped", snap.Counters.Skipped)

	if runErr != nil && snap.Status == job.StatusFailed && snap.Error != nil && !snap.Error.Retryable {
		return result, temporal.NewNonRetryableApplicationError(snap.Error.Message, snap.Error.Code, runErr)
	}
	return result, runErr
}

func (a *Activities) bindDestinations(bindings []DestinationBinding) (map[string]destination.Handle, func(), error) {
	handles := make(map[string]destination.Handle, len(bindings))
	var open []destination.Destination
	closeAll := func() {
		for _, d := range open {
			_ = d.Close()
		}
	}
	for _, b := range bindings {
		dest, err := a.Destinations.Create(b.TemplateID, b.Config)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("destination node %s: %w", b.NodeID, err)
		}
		open = append(open, dest)
		handles[b.NodeID] = destination.Handle{
			Dest:       dest,
			Collection: destination.CollectionSpec{Name: b.Collection, VectorSize: b.VectorSize},
			Required:   b.Required,
		}
	}
	return handles, closeAll, nil
}

// heartbeatSink forwards progress to Temporal heartbeats so long extractions
// are not killed by the heartbeat timeout.
type heartbeatSink struct {
	ctx context.Context
}

func (s heartbeatSink) Publish(msg progress.Message) {
	activity.RecordHeartbeat(s.ctx, msg.Counters)
}
