// Package vectorstore stores and retrieves embedded document chunks,
// partitioned into one collection per embedding model so vectors from
// incompatible embedding spaces are never compared.
package vectorstore

import (
	"errors"
	"strconv"
)

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid backend configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrConnectionFailed indicates the backing store is unreachable.
	ErrConnectionFailed = errors.New("failed to connect to vector store")
)

// ChunkMetadata is the chunk-level metadata stored alongside each vector.
type ChunkMetadata struct {
	DocID      string
	Filename   string
	FileType   string
	ChunkIndex int
	DocHash    string
	// Section is optional and omitted from stored metadata when empty.
	Section string

	// EmbedModel is stamped by the manager on upsert; callers leave it empty.
	EmbedModel string
}

// Fields returns the metadata as string key-value pairs for storage. Unset
// Section is skipped.
func (m ChunkMetadata) Fields() map[string]string {
	fields := map[string]string{
		"doc_id":      m.DocID,
		"filename":    m.Filename,
		"file_type":   m.FileType,
		"chunk_index": strconv.Itoa(m.ChunkIndex),
		"doc_hash":    m.DocHash,
	}
	if m.Section != "" {
		fields["section"] = m.Section
	}
	if m.EmbedModel != "" {
		fields["embed_model"] = m.EmbedModel
	}
	return fields
}

// Chunk is the unit of upsert. Caller-owned and never mutated by this layer;
// ID must be globally unique within its target collection.
type Chunk struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  ChunkMetadata
}

// UpsertOutcome partitions the input batch's ids into successes and failures.
// The union of the two sets always equals the input id set and they never
// overlap, regardless of how often batches were subdivided.
type UpsertOutcome struct {
	SuccessIDs []string
	FailedIDs  []string
}

// QueryHit is one nearest-neighbor result. Distance is cosine distance:
// non-negative, lower = closer.
type QueryHit struct {
	ID       string
	Content  string
	Distance float32
	Metadata map[string]any
}

// QueryOutcome holds ranked hits in the order the backing store returned
// them (ascending distance). This layer does not re-sort.
type QueryOutcome struct {
	Hits []QueryHit
}

// Where is a server-side metadata filter. A string value matches by
// equality; a []string value matches set membership ("$in").
type Where map[string]any
