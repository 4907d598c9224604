package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Tracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("docmind.vectorstore.chromem")

// ChromemConfig holds configuration for the embedded chromem backend.
type ChromemConfig struct {
	// Path is the persistence directory. Empty means in-memory only.
	Path string

	// Compress enables gzip compression for persisted collections.
	Compress bool
}

// ChromemBackend implements Backend over the embedded chromem-go store. It
// serves single-node deployments and tests without an external server.
type ChromemBackend struct {
	db     *chromem.DB
	logger *zap.Logger
}

// NewChromemBackend opens the embedded store.
func NewChromemBackend(config ChromemConfig, logger *zap.Logger) (*ChromemBackend, error) {
	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(config.Path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db at %s: %w", config.Path, err)
		}
	}
	return &ChromemBackend{db: db, logger: logger}, nil
}

// Close is a no-op; chromem persists on write.
func (b *ChromemBackend) Close() error {
	return nil
}

// rejectEmbedding guards against chromem falling back to its default remote
// embedder: every document and query in this layer arrives pre-embedded.
func rejectEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("chunks must arrive with precomputed embeddings")
}

// EnsureCollection creates the collection if it does not exist yet.
func (b *ChromemBackend) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	_, span := chromemTracer.Start(ctx, "ChromemBackend.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if _, err := b.db.GetOrCreateCollection(name, nil, rejectEmbedding); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("getting/creating collection %s: %w", name, err)
	}
	return nil
}

// Upsert writes one batch of chunks to the collection.
func (b *ChromemBackend) Upsert(ctx context.Context, collection string, chunks []Chunk) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemBackend.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("chunk_count", len(chunks)),
	)

	coll, err := b.db.GetOrCreateCollection(collection, nil, rejectEmbedding)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("getting/creating collection %s: %w", collection, err)
	}

	docs := make([]chromem.Document, len(chunks))
	for i, chunk := range chunks {
		metadata := chunk.Metadata.Fields()
		docs[i] = chromem.Document{
			ID:        chunk.ID,
			Content:   chunk.Content,
			Metadata:  metadata,
			Embedding: chunk.Embedding,
		}
	}

	// Concurrency 1: embeddings are precomputed, nothing to parallelize.
	if err := coll.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents to %s: %w", collection, err)
	}

	b.logger.Debug("upserted documents",
		zap.String("collection", collection),
		zap.Int("count", len(docs)),
	)
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Query returns up to n nearest neighbors ordered by ascending distance.
//
// chromem filters support only exact matches, so a set-membership filter is
// emulated with one equality query per member; the merged hits are ranked by
// distance before truncation. The merge is internal to this backend — callers
// still observe backing-store order.
func (b *ChromemBackend) Query(ctx context.Context, collection string, embedding []float32, n int, where Where) ([]QueryHit, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemBackend.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("n", n),
	)

	coll := b.db.GetCollection(collection, rejectEmbedding)
	if coll == nil {
		return []QueryHit{}, nil
	}
	if coll.Count() == 0 {
		return []QueryHit{}, nil
	}

	equality, inKey, inValues := splitWhere(where)

	var hits []QueryHit
	if inKey == "" {
		results, err := b.queryOnce(ctx, coll, embedding, n, equality)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		hits = results
	} else {
		for _, value := range inValues {
			filter := make(map[string]string, len(equality)+1)
			for k, v := range equality {
				filter[k] = v
			}
			filter[inKey] = value
			results, err := b.queryOnce(ctx, coll, embedding, n, filter)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			hits = append(hits, results...)
		}
		sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
		if len(hits) > n {
			hits = hits[:n]
		}
	}

	span.SetAttributes(attribute.Int("hit_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// queryOnce runs a single equality-filtered query, capping n at the
// collection size as chromem requires.
func (b *ChromemBackend) queryOnce(ctx context.Context, coll *chromem.Collection, embedding []float32, n int, filter map[string]string) ([]QueryHit, error) {
	count := coll.Count()
	if count == 0 {
		return nil, nil
	}
	if n > count {
		n = count
	}

	results, err := coll.QueryEmbedding(ctx, embedding, n, filter, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	hits := make([]QueryHit, len(results))
	for i, r := range results {
		metadata := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[k] = v
		}
		hits[i] = QueryHit{
			ID:      r.ID,
			Content: r.Content,
			// chromem reports cosine similarity; convert to distance.
			Distance: 1 - r.Similarity,
			Metadata: metadata,
		}
	}
	return hits, nil
}

// DeleteWhere removes all documents matching the filter. A missing
// collection is a no-op.
func (b *ChromemBackend) DeleteWhere(ctx context.Context, collection string, where Where) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemBackend.DeleteWhere")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	coll := b.db.GetCollection(collection, rejectEmbedding)
	if coll == nil {
		return nil
	}

	equality, inKey, inValues := splitWhere(where)
	if inKey == "" {
		if err := coll.Delete(ctx, equality, nil); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("deleting from %s: %w", collection, err)
		}
		return nil
	}

	for _, value := range inValues {
		filter := make(map[string]string, len(equality)+1)
		for k, v := range equality {
			filter[k] = v
		}
		filter[inKey] = value
		if err := coll.Delete(ctx, filter, nil); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("deleting from %s: %w", collection, err)
		}
	}
	return nil
}

// Count returns the live document count; a missing collection counts as 0.
func (b *ChromemBackend) Count(ctx context.Context, collection string) (int, error) {
	_, span := chromemTracer.Start(ctx, "ChromemBackend.Count")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	coll := b.db.GetCollection(collection, rejectEmbedding)
	if coll == nil {
		return 0, nil
	}
	return coll.Count(), nil
}

// ListCollections returns all collection names in the store.
func (b *ChromemBackend) ListCollections(ctx context.Context) ([]string, error) {
	_, span := chromemTracer.Start(ctx, "ChromemBackend.ListCollections")
	defer span.End()

	collections := b.db.ListCollections()
	names := make([]string, 0, len(collections))
	for name := range collections {
		names = append(names, name)
	}
	sort.Strings(names)

	span.SetAttributes(attribute.Int("collection_count", len(names)))
	return names, nil
}

// splitWhere separates a Where filter into its equality part and at most one
// set-membership entry.
func splitWhere(where Where) (equality map[string]string, inKey string, inValues []string) {
	equality = make(map[string]string)
	for k, v := range where {
		switch val := v.(type) {
		case string:
			equality[k] = val
		case int:
			equality[k] = fmt.Sprintf("%d", val)
		case []string:
			inKey = k
			inValues = val
		}
	}
	return equality, inKey, inValues
}
