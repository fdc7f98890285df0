// Package orchestrator drives one sync job end to end: cursor load, DAG
// compilation, streamed extraction, transform routing, reconciliation,
// destination fan-out, the end-of-run sweep and cursor persistence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/log"
	"golang.org/x/sync/errgroup"

	"github.com/nucleus/sync-core/internal/cursor"
	"github.com/nucleus/sync-core/internal/dag"
	"github.com/nucleus/sync-core/internal/fanout"
	"github.com/nucleus/sync-core/internal/job"
	"github.com/nucleus/sync-core/internal/progress"
	"github.com/nucleus/sync-core/internal/reconcile"
	"github.com/nucleus/sync-core/internal/stream"
	"github.com/nucleus/sync-core/pkg/destination"
	"github.com/nucleus/sync-core/pkg/engine"
	"github.com/nucleus/sync-core/pkg/entity"
	"github.com/nucleus/sync-core/pkg/source"
)

// Mode selects the deletion semantics of a run.
type Mode string

const (
	// ModeFull sweeps entities the source no longer produces.
	ModeFull Mode = "full"
	// ModeIncremental trusts the cursor and never sweeps.
	ModeIncremental Mode = "incremental"
)

// Transformer outputs that re-enter routing deeper than this indicate a
// definition cycle the DAG validation cannot see.
const maxRouteDepth = 10

// Config wires one sync run.
type Config struct {
	SyncID string
	JobID  string
	Mode   Mode

	Source       source.Source
	DAG          *dag.Definition
	Transformers *dag.TransformerRegistry
	Definitions  map[string]entity.Definition

	// Handles binds each DAG destination node id to a live destination.
	Handles map[string]destination.Handle

	Cursors cursor.Store
	History *cursor.History
	Records reconcile.Store

	BatchSize  int
	MaxBatches int
	Workers    int

	RetryBudget  int
	RetryBackoff time.Duration

	// SnapshotInterval is how often a running job publishes absolute totals,
	// including per-definition counts, alongside the delta stream.
	SnapshotInterval time.Duration

	Sinks  []progress.Sink
	Logger log.Logger
}

func (c *Config) validate() error {
	switch {
	case c.SyncID == "":
		return errors.New("sync id is required")
	case c.Source == nil:
		return errors.New("source is required")
	case c.DAG == nil:
		return errors.New("dag definition is required")
	case c.Transformers == nil:
		return errors.New("transformer registry is required")
	case c.Cursors == nil:
		return errors.New("cursor store is required")
	case c.Records == nil:
		return errors.New("record store is required")
	case c.Logger == nil:
		return errors.New("logger is required")
	}
	if c.Mode == "" {
		c.Mode = ModeFull
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 5 * time.Second
	}
	return nil
}

// Orchestrator executes sync jobs.
type Orchestrator struct {
	cfg Config
}

// New creates an orchestrator from config.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{cfg: cfg}, nil
}

// run holds the per-job state assembled before entities start flowing.
type run struct {
	cfg     *Config
	job     *job.Job
	table   *dag.RoutingTable
	recon   *reconcile.Engine
	pub     *progress.Publisher
	writers map[string]*fanout.Writer // keyed by definition id
	all     *fanout.Writer            // every bound handle, for sweep fallback

	countMu   sync.Mutex
	defCounts map[string]int64 // live entities per definition after this run
}

// Run executes the job and returns its terminal snapshot. The snapshot is
// valid even when the returned error is non-nil.
func (o *Orchestrator) Run(ctx context.Context) (job.Snapshot, error) {
	cfg := o.cfg
	j := job.New(cfg.JobID, cfg.SyncID)
	pub := progress.NewPublisher(j.ID(), cfg.SyncID, cfg.Sinks...)

	r := &run{cfg: &cfg, job: j, pub: pub, defCounts: make(map[string]int64)}

	snap, err := r.execute(ctx)
	pub.Close(snap.Status, snap.Counters)
	return snap, err
}

func (r *run) execute(ctx context.Context) (job.Snapshot, error) {
	cfg := r.cfg

	// Compile before RUNNING so a broken DAG never starts extraction.
	table, err := dag.Compile(cfg.DAG, cfg.Transformers, cfg.Definitions)
	if err != nil {
		return r.fail(engine.CodeDagInvalid, false, err)
	}
	r.table = table

	if err := r.bindWriters(); err != nil {
		return r.fail(engine.CodeDagInvalid, false, err)
	}
	r.recon = reconcile.NewEngine(cfg.Records, cfg.SyncID, r.job.ID())

	cur, err := cfg.Cursors.Load(ctx, cfg.SyncID)
	if err != nil {
		return r.fail(engine.CodeCursorPersist, true, fmt.Errorf("load cursor: %w", err))
	}

	iter, err := cfg.Source.Extract(ctx, cur)
	if err != nil {
		if source.IsAuthExpired(err) {
			return r.fail(engine.CodeAuthExpired, false, err)
		}
		return r.fail(engine.CodeSourceIO, true, fmt.Errorf("extract: %w", err))
	}

	if err := r.job.Transition(job.StatusRunning); err != nil {
		return r.job.Snapshot(), err
	}
	r.pub.Snapshot(job.StatusRunning, r.job.Counters(), r.definitionTotals())

	stopSnapshots := make(chan struct{})
	defer close(stopSnapshots)
	go r.publishSnapshots(stopSnapshots)

	if err := r.all.EnsureCollections(ctx); err != nil {
		_ = iter.Close()
		code, retryable := engine.Classify(err)
		return r.fail(code, retryable, err)
	}

	st := stream.New(iter, cfg.BatchSize, cfg.MaxBatches)
	st.Start(ctx)
	defer st.Stop()

	if err := r.consume(ctx, st); err != nil {
		if canceled(ctx, err) {
			return r.cancel(st)
		}
		if source.IsAuthExpired(err) {
			return r.fail(engine.CodeAuthExpired, false, err)
		}
		code, retryable := engine.Classify(err)
		if code == engine.CodeUnknown {
			code, retryable = engine.CodeSourceIO, true
		}
		return r.fail(code, retryable, err)
	}
	if err := ctx.Err(); err != nil {
		return r.cancel(st)
	}

	if cfg.Mode == ModeFull {
		if err := r.sweep(ctx); err != nil {
			if canceled(ctx, err) {
				return r.cancel(st)
			}
			code, retryable := engine.Classify(err)
			return r.fail(code, retryable, err)
		}
	}

	if err := r.saveCounts(ctx); err != nil {
		cfg.Logger.Warn("persisting entity counts failed", "sync_id", cfg.SyncID, "error", err)
	}

	if err := r.saveCursor(ctx, iter, cur); err != nil {
		return r.fail(engine.CodeCursorPersist, true, err)
	}

	if err := r.job.Transition(job.StatusCompleted); err != nil {
		return r.job.Snapshot(), err
	}
	return r.job.Snapshot(), nil
}

// bindWriters builds one fan-out writer per routed definition plus one over
// every bound handle. Every destination node in the DAG must have a handle.
func (r *run) bindWriters() error {
	cfg := r.cfg
	opts := []fanout.Option{fanout.WithRetry(cfg.RetryBudget, cfg.RetryBackoff)}

	var all []destination.Handle
	for _, nodeID := range r.table.DestinationNodes() {
		h, ok := cfg.Handles[nodeID]
		if !ok {
			return fmt.Errorf("destination node %q has no bound handle", nodeID)
		}
		all = append(all, h)
	}
	r.all = fanout.NewWriter(all, cfg.Logger, opts...)

	r.writers = make(map[string]*fanout.Writer)
	for _, def := range r.table.Definitions() {
		route, err := r.table.Route(def)
		if err != nil {
			return err
		}
		handles := make([]destination.Handle, 0, len(route.Destinations))
		for _, nodeID := range route.Destinations {
			handles = append(handles, cfg.Handles[nodeID])
		}
		r.writers[def] = fanout.NewWriter(handles, cfg.Logger, opts...)
	}
	return nil
}

// consume drains the stream with a pool of workers until exhaustion.
func (r *run) consume(ctx context.Context, st *stream.Stream) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				batch, err := st.NextBatch(gctx)
				if errors.Is(err, stream.ErrDone) {
					return nil
				}
				if err != nil {
					return err
				}
				for _, ent := range batch {
					if err := gctx.Err(); err != nil {
						return err
					}
					if err := r.process(gctx, ent, 0); err != nil {
						return err
					}
				}
			}
		})
	}
	return g.Wait()
}

// process routes one entity: run its transform chain, re-route stage outputs
// by their own definition, and finalize at the route's destinations.
func (r *run) process(ctx context.Context, ent *entity.Entity, depth int) error {
	if depth > maxRouteDepth {
		return fmt.Errorf("entity %s: routing depth exceeded, transformer emits a looping definition", ent.EntityID)
	}

	route, err := r.table.Route(ent.DefinitionID)
	if err != nil {
		var unroutable *dag.UnroutableEntityError
		if errors.As(err, &unroutable) {
			r.cfg.Logger.Warn("dropping unroutable entity",
				"entity_id", ent.EntityID, "definition_id", ent.DefinitionID)
			r.count(job.Counters{Skipped: 1})
			return nil
		}
		return err
	}

	if len(route.Destinations) > 0 {
		if err := r.finalize(ctx, ent); err != nil {
			return err
		}
	}

	if route.Terminal() {
		return nil
	}

	current := []*entity.Entity{ent}
	for _, stage := range route.Stages {
		var next []*entity.Entity
		for _, in := range current {
			out, err := stage.Apply(ctx, in)
			if err != nil {
				r.cfg.Logger.Warn("transformer failed, skipping entity",
					"transformer", stage.Name(), "entity_id", in.EntityID, "error", err)
				r.count(job.Counters{Skipped: 1})
				continue
			}
			next = append(next, out...)
		}
		current = next
	}

	for _, out := range current {
		if out.DefinitionID == ent.DefinitionID {
			// Same definition would re-enter this chain forever.
			r.count(job.Counters{Skipped: 1})
			continue
		}
		if err := r.process(ctx, out, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// finalize hashes, classifies and writes one terminal entity, then counts it
// exactly once.
func (r *run) finalize(ctx context.Context, ent *entity.Entity) error {
	if ent.Hash == "" {
		ent.Hash = entity.ComputeHash(ent)
	}

	disp, err := r.recon.Classify(ctx, ent)
	if err != nil {
		r.cfg.Logger.Warn("reconciliation failed, skipping entity",
			"entity_id", ent.EntityID, "error", err)
		r.count(job.Counters{Skipped: 1})
		return nil
	}

	key := destination.Key{SyncID: r.cfg.SyncID, EntityID: ent.EntityID}
	writer := r.writers[ent.DefinitionID]
	if err := writer.Apply(ctx, disp, key, ent); err != nil {
		return err
	}

	var delta job.Counters
	switch disp {
	case reconcile.Insert:
		delta.Inserted = 1
	case reconcile.Update:
		delta.Updated = 1
	case reconcile.Keep:
		delta.Kept = 1
	default:
		delta.Skipped = 1
	}
	if delta.Skipped == 0 {
		r.countDefinition(ent.DefinitionID, 1)
	}
	r.count(delta)
	return nil
}

func (r *run) countDefinition(definitionID string, n int64) {
	r.countMu.Lock()
	r.defCounts[definitionID] += n
	r.countMu.Unlock()
}

func (r *run) definitionTotals() map[string]int64 {
	r.countMu.Lock()
	defer r.countMu.Unlock()
	totals := make(map[string]int64, len(r.defCounts))
	for def, n := range r.defCounts {
		totals[def] = n
	}
	return totals
}

// publishSnapshots emits absolute running totals on a timer until the run
// settles. Deltas stream continuously; snapshots let slow consumers resync
// per-entity-type totals without replaying every delta.
func (r *run) publishSnapshots(stop <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.pub.Snapshot(job.StatusRunning, r.job.Counters(), r.definitionTotals())
		}
	}
}

// sweep deletes everything this job did not observe.
func (r *run) sweep(ctx context.Context) error {
	deleted, err := r.recon.Sweep(ctx, func(ctx context.Context, rec reconcile.Record) error {
		key := destination.Key{SyncID: r.cfg.SyncID, EntityID: rec.EntityID}
		writer := r.writers[rec.DefinitionID]
		if writer == nil {
			// Definition no longer routed; clear it from every destination.
			writer = r.all
		}
		if err := writer.Apply(ctx, reconcile.Delete, key, nil); err != nil {
			return err
		}
		r.count(job.Counters{Deleted: 1})
		return nil
	})
	if err != nil {
		return err
	}
	if deleted > 0 {
		r.cfg.Logger.Info("sweep removed stale entities", "sync_id", r.cfg.SyncID, "deleted", deleted)
	}
	return nil
}

func (r *run) saveCounts(ctx context.Context) error {
	return r.cfg.Records.SaveCounts(ctx, r.cfg.SyncID, r.definitionTotals())
}

// saveCursor archives the previous cursor then persists the one the iterator
// reports. Only reached on the COMPLETED path; cancelled and failed runs
// never advance the cursor.
func (r *run) saveCursor(ctx context.Context, iter source.Iterator, prev *source.Cursor) error {
	reporter, ok := iter.(source.CursorReporter)
	if !ok {
		return nil
	}
	next := reporter.Cursor()
	if next == nil {
		return nil
	}
	if prev != nil {
		if ref, err := r.cfg.History.Archive(ctx, r.cfg.SyncID, prev); err != nil {
			r.cfg.Logger.Warn("cursor archive failed", "sync_id", r.cfg.SyncID, "error", err)
		} else if ref != "" {
			r.cfg.Logger.Debug("archived previous cursor", "ref", ref)
		}
	}
	if err := r.cfg.Cursors.Save(ctx, r.cfg.SyncID, next); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// cancel drains the stream and lands the job in CANCELLED. No sweep, no
// cursor advance.
func (r *run) cancel(st *stream.Stream) (job.Snapshot, error) {
	_ = r.job.Transition(job.StatusCancelling)
	st.Stop()
	_ = r.job.Transition(job.StatusCancelled)
	r.cfg.Logger.Info("job cancelled", "sync_id", r.cfg.SyncID, "job_id", r.job.ID())
	return r.job.Snapshot(), engine.Coded(engine.CodeCancelled, false, context.Canceled)
}

func (r *run) fail(code string, retryable bool, err error) (job.Snapshot, error) {
	_ = r.job.Fail(code, err.Error(), retryable)
	r.cfg.Logger.Error("job failed",
		"sync_id", r.cfg.SyncID, "job_id", r.job.ID(), "code", code, "error", err)
	return r.job.Snapshot(), engine.Coded(code, retryable, err)
}

func (r *run) count(delta job.Counters) {
	r.job.AddCounts(delta)
	r.pub.Emit(delta)
}

func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}
