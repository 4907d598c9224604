package vectorstore

import "context"

// Backend is the wire contract against the backing vector store. It is
// transport-agnostic: QdrantBackend talks gRPC to an external server,
// ChromemBackend embeds the store in-process. All implementations use cosine
// distance and report it as lower = closer.
type Backend interface {
	// EnsureCollection creates the collection if it does not exist yet.
	// Idempotent.
	EnsureCollection(ctx context.Context, name string, vectorSize int) error

	// Upsert writes one batch of chunks. All-or-nothing per call from the
	// caller's perspective: any error means the batch is not known to be
	// stored.
	Upsert(ctx context.Context, collection string, chunks []Chunk) error

	// Query returns up to n nearest neighbors of embedding, optionally
	// filtered, ordered by ascending distance.
	Query(ctx context.Context, collection string, embedding []float32, n int, where Where) ([]QueryHit, error)

	// DeleteWhere removes all points matching the filter. A missing
	// collection or an empty match set is a no-op, not an error.
	DeleteWhere(ctx context.Context, collection string, where Where) error

	// Count returns the live point count. A missing collection counts as 0.
	Count(ctx context.Context, collection string) (int, error)

	// ListCollections returns all collection names in the store, including
	// ones not owned by this layer.
	ListCollections(ctx context.Context) ([]string, error)

	// Close releases backend resources.
	Close() error
}
