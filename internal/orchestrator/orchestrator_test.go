package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nucleus/sync-core/internal/cursor"
	"github.com/nucleus/sync-core/internal/dag"
	"github.com/nucleus/sync-core/internal/job"
	"github.com/nucleus/sync-core/internal/progress"
	"github.com/nucleus/sync-core/internal/reconcile"
	"github.com/nucleus/sync-core/pkg/destination"
	"github.com/nucleus/sync-core/pkg/engine"
	"github.com/nucleus/sync-core/pkg/entity"
	"github.com/nucleus/sync-core/pkg/source"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

func docEntity(id string, payload map[string]any) *entity.Entity {
	return &entity.Entity{
		SourceName:   "memory",
		EntityID:     id,
		SyncID:       "sync-1",
		DefinitionID: "doc",
		Payload:      payload,
		ObservedAt:   time.Now(),
	}
}

// simpleDAG routes doc entities straight to one destination node.
func simpleDAG() *dag.Definition {
	return &dag.Definition{
		Nodes: []dag.Node{
			{ID: "src", Kind: dag.NodeSource},
			{ID: "docs", Kind: dag.NodeEntity, DefinitionID: "doc"},
			{ID: "vec", Kind: dag.NodeDestination},
		},
		Edges: []dag.Edge{
			{From: "src", To: "docs"},
			{From: "docs", To: "vec"},
		},
	}
}

func definitions() map[string]entity.Definition {
	return map[string]entity.Definition{
		"doc":   {ID: "doc", Name: "Document"},
		"chunk": {ID: "chunk", Name: "Chunk"},
	}
}

type fixture struct {
	dest    *destination.MemoryDestination
	cursors *cursor.MemoryStore
	records *reconcile.MemoryStore
}

func newFixture() *fixture {
	return &fixture{
		dest:    destination.NewMemoryDestination("vec"),
		cursors: cursor.NewMemoryStore(),
		records: reconcile.NewMemoryStore(),
	}
}

func (f *fixture) config(src source.Source) Config {
	return Config{
		SyncID:       "sync-1",
		Mode:         ModeFull,
		Source:       src,
		DAG:          simpleDAG(),
		Transformers: dag.NewTransformerRegistry(),
		Definitions:  definitions(),
		Handles: map[string]destination.Handle{
			"vec": {Dest: f.dest, Required: true},
		},
		Cursors: f.cursors,
		Records: f.records,
		Logger:  nopLogger{},
	}
}

func runOnce(t *testing.T, cfg Config) (job.Snapshot, error) {
	t.Helper()
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o.Run(context.Background())
}

func TestRun(t *testing.T) {
	t.Run("first run inserts everything and saves the cursor", func(t *testing.T) {
		f := newFixture()
		src := source.NewMemorySource("memory", []*entity.Entity{
			docEntity("A", map[string]any{"title": "a"}),
			docEntity("B", map[string]any{"title": "b"}),
			docEntity("C", map[string]any{"title": "c"}),
		})

		snap, err := runOnce(t, f.config(src))
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if snap.Status != job.StatusCompleted {
			t.Fatalf("expected COMPLETED, got %s", snap.Status)
		}
		if snap.Counters.Inserted != 3 || snap.Counters.Total() != 3 {
			t.Fatalf("unexpected counters: %+v", snap.Counters)
		}
		if f.dest.Len() != 3 {
			t.Fatalf("destination holds %d entities, want 3", f.dest.Len())
		}
		if f.cursors.Saves() != 1 {
			t.Fatalf("expected 1 cursor save, got %d", f.cursors.Saves())
		}
		if got := f.records.Counts("sync-1")["doc"]; got != 3 {
			t.Fatalf("expected 3 live doc entities recorded, got %d", got)
		}
	})

	t.Run("second run keeps, updates and sweeps", func(t *testing.T) {
		f := newFixture()
		run1 := source.NewMemorySource("memory", []*entity.Entity{
			docEntity("A", map[string]any{"title": "a"}),
			docEntity("B", map[string]any{"title": "b"}),
			docEntity("C", map[string]any{"title": "c"}),
		})
		if _, err := runOnce(t, f.config(run1)); err != nil {
			t.Fatalf("run 1 failed: %v", err)
		}

		// A unchanged, B edited, C gone from the source.
		run2 := source.NewMemorySource("memory", []*entity.Entity{
			docEntity("A", map[string]any{"title": "a"}),
			docEntity("B", map[string]any{"title": "b v2"}),
		})
		snap, err := runOnce(t, f.config(run2))
		if err != nil {
			t.Fatalf("run 2 failed: %v", err)
		}
		c := snap.Counters
		if c.Kept != 1 || c.Updated != 1 || c.Deleted != 1 || c.Inserted != 0 {
			t.Fatalf("unexpected counters: %+v", c)
		}
		if f.dest.Len() != 2 {
			t.Fatalf("destination holds %d entities, want 2", f.dest.Len())
		}
		if f.records.Len("sync-1") != 2 {
			t.Fatalf("record store holds %d, want 2", f.records.Len("sync-1"))
		}
	})

	t.Run("idempotent rerun keeps everything", func(t *testing.T) {
		f := newFixture()
		ents := []*entity.Entity{
			docEntity("A", map[string]any{"title": "a"}),
			docEntity("B", map[string]any{"title": "b"}),
		}
		if _, err := runOnce(t, f.config(source.NewMemorySource("memory", ents))); err != nil {
			t.Fatalf("run 1 failed: %v", err)
		}
		snap, err := runOnce(t, f.config(source.NewMemorySource("memory", ents)))
		if err != nil {
			t.Fatalf("run 2 failed: %v", err)
		}
		if snap.Counters.Kept != 2 || snap.Counters.Deleted != 0 {
			t.Fatalf("unexpected counters: %+v", snap.Counters)
		}
	})

	t.Run("worker pool size does not change the outcome", func(t *testing.T) {
		ents := make([]*entity.Entity, 0, 200)
		for i := 0; i < 200; i++ {
			id := fmt.Sprintf("E%03d", i)
			ents = append(ents, docEntity(id, map[string]any{"title": id}))
		}

		var snaps []job.Snapshot
		for _, workers := range []int{1, 8} {
			f := newFixture()
			cfg := f.config(source.NewMemorySource("memory", ents))
			cfg.Workers = workers
			cfg.BatchSize = 16
			snap, err := runOnce(t, cfg)
			if err != nil {
				t.Fatalf("run with %d workers failed: %v", workers, err)
			}
			if f.dest.Len() != 200 {
				t.Fatalf("workers=%d: destination holds %d, want 200", workers, f.dest.Len())
			}
			snaps = append(snaps, snap)
		}
		if snaps[0].Counters != snaps[1].Counters {
			t.Fatalf("counters differ across pool sizes: %+v vs %+v",
				snaps[0].Counters, snaps[1].Counters)
		}
	})

	t.Run("optional destination failure does not fail the job", func(t *testing.T) {
		f := newFixture()
		flaky := destination.NewMemoryDestination("flaky")
		flaky.FailWrites = errors.New("connection refused")

		cfg := f.config(source.NewMemorySource("memory", []*entity.Entity{
			docEntity("A", map[string]any{"title": "a"}),
		}))
		cfg.DAG.Nodes = append(cfg.DAG.Nodes, dag.Node{ID: "extra", Kind: dag.NodeDestination})
		cfg.DAG.Edges = append(cfg.DAG.Edges, dag.Edge{From: "docs", To: "extra"})
		cfg.Handles["extra"] = destination.Handle{Dest: flaky, Required: false}
		cfg.RetryBudget = 2
		cfg.RetryBackoff = time.Millisecond

		snap, err := runOnce(t, cfg)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if snap.Status != job.StatusCompleted || snap.Counters.Inserted != 1 {
			t.Fatalf("unexpected outcome: %+v", snap)
		}
	})

	t.Run("required destination failure fails the job", func(t *testing.T) {
		f := newFixture()
		f.dest.FailWrites = errors.New("connection refused")
		cfg := f.config(source.NewMemorySource("memory", []*entity.Entity{
			docEntity("A", map[string]any{"title": "a"}),
		}))
		cfg.RetryBudget = 2
		cfg.RetryBackoff = time.Millisecond

		snap, err := runOnce(t, cfg)
		if err == nil {
			t.Fatal("expected error")
		}
		if snap.Status != job.StatusFailed {
			t.Fatalf("expected FAILED, got %s", snap.Status)
		}
		if snap.Error == nil || snap.Error.Code != engine.CodeDestUnavailable {
			t.Fatalf("unexpected error detail: %+v", snap.Error)
		}
	})

	t.Run("cancellation lands in CANCELLED without advancing the cursor", func(t *testing.T) {
		f := newFixture()
		ents := make([]*entity.Entity, 0, 100)
		for i := 0; i < 100; i++ {
			ents = append(ents, docEntity(fmt.Sprintf("E%03d", i), map[string]any{"n": float64(i)}))
		}
		src := source.NewMemorySource("memory", ents)
		src.Delay = 10 * time.Millisecond

		o, err := New(f.config(src))
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		snap, err := o.Run(ctx)
		if snap.Status != job.StatusCancelled {
			t.Fatalf("expected CANCELLED, got %s (err=%v)", snap.Status, err)
		}
		if !engine.IsCode(err, engine.CodeCancelled) {
			t.Fatalf("expected %s, got %v", engine.CodeCancelled, err)
		}
		if f.cursors.Saves() != 0 {
			t.Fatalf("cursor advanced on cancellation: %d saves", f.cursors.Saves())
		}
	})

	t.Run("invalid dag fails before running", func(t *testing.T) {
		f := newFixture()
		cfg := f.config(source.NewMemorySource("memory", nil))
		cfg.DAG.Edges = append(cfg.DAG.Edges, dag.Edge{From: "vec", To: "src"})

		snap, err := runOnce(t, cfg)
		if err == nil {
			t.Fatal("expected error")
		}
		if snap.Status != job.StatusFailed {
			t.Fatalf("expected FAILED, got %s", snap.Status)
		}
		if snap.StartedAt != (time.Time{}) {
			t.Fatal("job started despite invalid dag")
		}
		if !engine.IsCode(err, engine.CodeDagInvalid) {
			t.Fatalf("expected %s, got %v", engine.CodeDagInvalid, err)
		}
	})

	t.Run("expired credentials fail with a dedicated code", func(t *testing.T) {
		f := newFixture()
		cfg := f.config(&authExpiredSource{})

		snap, err := runOnce(t, cfg)
		if snap.Status != job.StatusFailed {
			t.Fatalf("expected FAILED, got %s", snap.Status)
		}
		if !engine.IsCode(err, engine.CodeAuthExpired) {
			t.Fatalf("expected %s, got %v", engine.CodeAuthExpired, err)
		}
	})

	t.Run("mid stream source failure fails the job and keeps the cursor", func(t *testing.T) {
		f := newFixture()
		src := source.NewMemorySource("memory", []*entity.Entity{
			docEntity("A", map[string]any{"title": "a"}),
			docEntity("B", map[string]any{"title": "b"}),
		})
		src.FailAfter = 1
		src.Fail = errors.New("connection reset")

		snap, err := runOnce(t, f.config(src))
		if err == nil {
			t.Fatal("expected error")
		}
		if snap.Status != job.StatusFailed {
			t.Fatalf("expected FAILED, got %s", snap.Status)
		}
		if f.cursors.Saves() != 0 {
			t.Fatalf("cursor advanced on failure: %d saves", f.cursors.Saves())
		}
	})

	t.Run("incremental mode never sweeps", func(t *testing.T) {
		f := newFixture()
		full := f.config(source.NewMemorySource("memory", []*entity.Entity{
			docEntity("A", map[string]any{"title": "a"}),
			docEntity("B", map[string]any{"title": "b"}),
		}))
		if _, err := runOnce(t, full); err != nil {
			t.Fatalf("run 1 failed: %v", err)
		}

		incr := f.config(source.NewMemorySource("memory", []*entity.Entity{
			docEntity("A", map[string]any{"title": "a"}),
		}))
		incr.Mode = ModeIncremental
		snap, err := runOnce(t, incr)
		if err != nil {
			t.Fatalf("run 2 failed: %v", err)
		}
		if snap.Counters.Deleted != 0 {
			t.Fatalf("incremental run deleted %d entities", snap.Counters.Deleted)
		}
		if f.dest.Len() != 2 {
			t.Fatalf("destination holds %d entities, want 2", f.dest.Len())
		}
	})

	t.Run("progress sink receives the final totals", func(t *testing.T) {
		f := newFixture()
		sink := progress.NewChannelSink(64)
		cfg := f.config(source.NewMemorySource("memory", []*entity.Entity{
			docEntity("A", map[string]any{"title": "a"}),
		}))
		cfg.Sinks = []progress.Sink{sink}

		if _, err := runOnce(t, cfg); err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		var final *progress.Message
		for {
			select {
			case msg := <-sink.C:
				if msg.Kind == progress.KindFinal {
					m := msg
					final = &m
				}
				continue
			default:
			}
			break
		}
		if final == nil {
			t.Fatal("no final progress message")
		}
		if final.Status != job.StatusCompleted || final.Counters.Inserted != 1 {
			t.Fatalf("unexpected final message: %+v", final)
		}
	})

	t.Run("long run publishes periodic per-definition snapshots", func(t *testing.T) {
		f := newFixture()
		ents := make([]*entity.Entity, 0, 60)
		for i := 0; i < 60; i++ {
			ents = append(ents, docEntity(fmt.Sprintf("E%03d", i), map[string]any{"n": float64(i)}))
		}
		src := source.NewMemorySource("memory", ents)
		src.Delay = 2 * time.Millisecond

		sink := progress.NewChannelSink(512)
		cfg := f.config(src)
		cfg.Sinks = []progress.Sink{sink}
		cfg.Workers = 1
		cfg.SnapshotInterval = 10 * time.Millisecond

		if _, err := runOnce(t, cfg); err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		var snapshots []progress.Message
	drain:
		for {
			select {
			case msg := <-sink.C:
				if msg.Kind == progress.KindSnapshot {
					snapshots = append(snapshots, msg)
				}
			default:
				break drain
			}
		}
		if len(snapshots) < 2 {
			t.Fatalf("expected periodic snapshots during the run, got %d", len(snapshots))
		}
		last := snapshots[len(snapshots)-1]
		if last.Status != job.StatusRunning {
			t.Fatalf("unexpected snapshot status: %s", last.Status)
		}
		if last.ByDefinition["doc"] == 0 {
			t.Fatalf("snapshot missing per-definition totals: %+v", last.ByDefinition)
		}
	})
}

func TestTransformChain(t *testing.T) {
	f := newFixture()
	transformers := dag.NewTransformerRegistry()
	transformers.Register("chunker", func(config map[string]any) (dag.Transformer, error) {
		return &dag.FuncTransformer{
			TransformerName: "chunker",
			Fn: func(ctx context.Context, e *entity.Entity) ([]*entity.Entity, error) {
				return []*entity.Entity{
					e.Derive("chunk", e.EntityID+"-0", map[string]any{"text": "first half"}),
					e.Derive("chunk", e.EntityID+"-1", map[string]any{"text": "second half"}),
				}, nil
			},
		}, nil
	})

	cfg := f.config(source.NewMemorySource("memory", []*entity.Entity{
		docEntity("A", map[string]any{"text": "first half second half"}),
		docEntity("B", map[string]any{"text": "first half second half"}),
	}))
	cfg.Transformers = transformers
	cfg.DAG = &dag.Definition{
		Nodes: []dag.Node{
			{ID: "src", Kind: dag.NodeSource},
			{ID: "docs", Kind: dag.NodeEntity, DefinitionID: "doc"},
			{ID: "chunker", Kind: dag.NodeTransformer, Name: "chunker"},
			{ID: "chunks", Kind: dag.NodeEntity, DefinitionID: "chunk"},
			{ID: "vec", Kind: dag.NodeDestination},
		},
		Edges: []dag.Edge{
			{From: "src", To: "docs"},
			{From: "docs", To: "chunker"},
			{From: "chunker", To: "chunks"},
			{From: "chunks", To: "vec"},
		},
	}

	snap, err := runOnce(t, cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// Two docs fan out to four chunks; the docs themselves have no
	// destination and are not persisted.
	if snap.Counters.Inserted != 4 {
		t.Fatalf("expected 4 inserted chunks, got %+v", snap.Counters)
	}
	if f.dest.Len() != 4 {
		t.Fatalf("destination holds %d entities, want 4", f.dest.Len())
	}
	if _, ok := f.dest.Get(destination.Key{SyncID: "sync-1", EntityID: "A-0"}); !ok {
		t.Fatal("derived chunk A-0 missing from destination")
	}
}

// authExpiredSource fails extraction with expired credentials.
type authExpiredSource struct{}

func (s *authExpiredSource) Name() string { return "expired" }

func (s *authExpiredSource) Extract(ctx context.Context, cur *source.Cursor) (source.Iterator, error) {
	return nil, source.NewAuthExpiredError(errors.New("token expired"))
}

func (s *authExpiredSource) Close() error { return nil }
