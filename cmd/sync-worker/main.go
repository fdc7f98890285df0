// Package main runs the sync-core Temporal worker.
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/nucleus/sync-core/internal/activities"
	"github.com/nucleus/sync-core/internal/config"
	"github.com/nucleus/sync-core/internal/cursor"
	"github.com/nucleus/sync-core/internal/dag"
	"github.com/nucleus/sync-core/internal/reconcile"
	"github.com/nucleus/sync-core/pkg/destination"
	"github.com/nucleus/sync-core/pkg/entity"
	"github.com/nucleus/sync-core/pkg/source"
)

func main() {
	cfg := config.FromEnv()

	log.Printf("Starting sync worker: address=%s namespace=%s queue=%s",
		cfg.TemporalAddress, cfg.TemporalNamespace, cfg.TaskQueue)

	ctx := context.Background()

	cursors, records, err := buildStores(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build stores: %v", err)
	}

	acts := activities.NewActivities(
		buildSourceRegistry(),
		buildDestinationRegistry(cfg),
		buildTransformerRegistry(),
		builtinDefinitions(),
		cursors,
		records,
	)
	acts.History = buildHistory(cfg)

	c, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
	})
	if err != nil {
		log.Fatalf("Failed to create Temporal client: %v", err)
	}
	defer c.Close()

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterActivity(acts.RunSync)

	log.Printf("Registered activities: RunSync")

	if err := w.Run(worker.InterruptCh()); err != nil {
		log.Fatalf("Worker failed: %v", err)
	}
}

// buildStores wires Postgres-backed cursor and reconciliation stores when a
// DATABASE_URL is configured, in-memory stores otherwise.
func buildStores(ctx context.Context, cfg config.Config) (cursor.Store, reconcile.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Printf("DATABASE_URL not set, using in-memory stores")
		return cursor.NewMemoryStore(), reconcile.NewMemoryStore(), nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	cursors, err := cursor.NewPostgresStore(ctx, pool)
	if err != nil {
		return nil, nil, fmt.Errorf("cursor store: %w", err)
	}
	records, err := reconcile.NewPostgresStore(ctx, pool)
	if err != nil {
		return nil, nil, fmt.Errorf("record store: %w", err)
	}
	return cursors, records, nil
}

// buildHistory wires MinIO-backed cursor archival when configured. A nil
// history disables archival without special-casing callers.
func buildHistory(cfg config.Config) *cursor.History {
	if cfg.MinioEndpoint == "" {
		return nil
	}
	store, err := cursor.NewS3Store(cursor.S3Config{
		EndpointURL:     cfg.MinioEndpoint,
		AccessKeyID:     cfg.MinioAccessKey,
		SecretAccessKey: cfg.MinioSecretKey,
		UseSSL:          cfg.MinioUseSSL,
	})
	if err != nil {
		log.Printf("Cursor history disabled: %v", err)
		return nil
	}
	return cursor.NewHistory(store, cfg.MinioBucket, "history")
}

func buildSourceRegistry() *source.Registry {
	r := source.NewRegistry()
	r.Register("memory", func(config map[string]any) (source.Source, error) {
		return source.NewMemorySource("memory", nil), nil
	})
	return r
}

func buildDestinationRegistry(cfg config.Config) *destination.Registry {
	r := destination.NewRegistry()
	r.Register("memory", func(config map[string]any) (destination.Destination, error) {
		return destination.NewMemoryDestination("memory"), nil
	})
	r.Register("vector.pgvector", func(config map[string]any) (destination.Destination, error) {
		dsn := strval(config, "dsn", cfg.DatabaseURL)
		collection := strval(config, "collection", "")
		dim := intval(config, "dimension", cfg.VectorDimension)
		return destination.NewPgVectorDestination(dsn, collection, dim)
	})
	r.Register("graph.postgres", func(config map[string]any) (destination.Destination, error) {
		dsn := strval(config, "dsn", cfg.DatabaseURL)
		pool, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return destination.NewGraphDestination(pool, strval(config, "collection", ""))
	})
	return r
}

func buildTransformerRegistry() *dag.TransformerRegistry {
	r := dag.NewTransformerRegistry()
	r.Register("chunk.text", func(config map[string]any) (dag.Transformer, error) {
		size := intval(config, "chunkSize", 2000)
		outDef := strval(config, "outputDefinition", "chunk")
		field := strval(config, "field", "text")
		return &dag.FuncTransformer{
			TransformerName: "chunk.text",
			Fn: func(ctx context.Context, e *entity.Entity) ([]*entity.Entity, error) {
				text, _ := e.Payload[field].(string)
				if text == "" {
					return nil, nil
				}
				var out []*entity.Entity
				for i, n := 0, 0; i < len(text); i, n = i+size, n+1 {
					end := i + size
					if end > len(text) {
						end = len(text)
					}
					out = append(out, e.Derive(outDef, fmt.Sprintf("%s#%d", e.EntityID, n),
						map[string]any{field: text[i:end], "chunkIndex": n}))
				}
				return out, nil
			},
		}, nil
	})
	return r
}

func builtinDefinitions() map[string]entity.Definition {
	defs := []entity.Definition{
		{ID: "doc", Name: "Document", Description: "A generic source document"},
		{ID: "chunk", Name: "Chunk", Description: "A slice of a parent document"},
		{ID: "record", Name: "Record", Description: "A structured row-like entity"},
	}
	out := make(map[string]entity.Definition, len(defs))
	for _, d := range defs {
		out[d.ID] = d
	}
	return out
}

func strval(config map[string]any, key, def string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intval(config map[string]any, key string, def int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return def
}
