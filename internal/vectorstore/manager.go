package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lanternlabs/docmind/internal/apperr"
)

// Tracer for OpenTelemetry instrumentation.
var managerTracer = otel.Tracer("docmind.vectorstore")

// DefaultBatchSize is the upsert batch size when the caller passes 0.
const DefaultBatchSize = 256

// DefaultQueryResults is the query result count when the caller passes 0.
const DefaultQueryResults = 10

// extraWhereWhitelist is the set of caller-suppliable extra filter keys.
// Anything else is silently dropped to prevent unintended cross-field
// leakage.
var extraWhereWhitelist = map[string]bool{
	"file_type": true,
	"filename":  true,
	"section":   true,
}

// Manager routes chunk storage and retrieval to one collection per embedding
// model.
type Manager struct {
	backend Backend
	logger  *zap.Logger

	// resolved caches collection get-or-create results by collection name.
	mu       sync.Mutex
	resolved map[string]bool
}

// NewManager creates a Manager over the given backend.
func NewManager(backend Backend, logger *zap.Logger) *Manager {
	return &Manager{
		backend:  backend,
		logger:   logger,
		resolved: make(map[string]bool),
	}
}

// resolveCollection derives the collection name for the embedding model and
// performs get-or-create against the backend once per process per name.
func (m *Manager) resolveCollection(ctx context.Context, embedModel string, vectorSize int) (string, error) {
	name := BuildCollectionName(embedModel)

	m.mu.Lock()
	done := m.resolved[name]
	m.mu.Unlock()
	if done {
		return name, nil
	}

	if err := m.backend.EnsureCollection(ctx, name, vectorSize); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.resolved[name] = true
	m.mu.Unlock()
	return name, nil
}

// UpsertChunks writes chunks to the collection of embedModel in batches of
// batchSize (DefaultBatchSize when 0), isolating failures down to single
// chunks.
//
// Batches are attempted independently and in input order. A failing batch of
// more than one chunk is split in half and each half retried independently,
// until a half succeeds or a single chunk remains. A failing single chunk is
// recorded in FailedIDs and logged, never raised: partial failure must not
// abort the call. SuccessIDs and FailedIDs always partition the input id set
// exactly.
//
// Splitting is sequential by design: it bounds peak load on the backing
// store during failure storms.
func (m *Manager) UpsertChunks(ctx context.Context, chunks []Chunk, embedModel string, batchSize int) (*UpsertOutcome, error) {
	ctx, span := managerTracer.Start(ctx, "Manager.UpsertChunks")
	defer span.End()
	span.SetAttributes(
		attribute.String("embed_model", embedModel),
		attribute.Int("chunk_count", len(chunks)),
	)

	if embedModel == "" {
		return nil, fmt.Errorf("%w: embed model required", apperr.ErrInvalidArgument)
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	outcome := &UpsertOutcome{}
	if len(chunks) == 0 {
		return outcome, nil
	}

	collection, err := m.resolveCollection(ctx, embedModel, len(chunks[0].Embedding))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	start := time.Now()

	// Stamp the embedding model into stored metadata without mutating the
	// caller's chunks.
	stamped := make([]Chunk, len(chunks))
	copy(stamped, chunks)
	for i := range stamped {
		stamped[i].Metadata.EmbedModel = embedModel
	}
	chunks = stamped

	// Worklist of pending batches, popped front first so input order is
	// preserved and split halves are retried before later batches.
	var pending [][]Chunk
	for i := 0; i < len(chunks); i += batchSize {
		end := i + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		pending = append(pending, chunks[i:end])
	}

	for len(pending) > 0 {
		batch := pending[0]
		pending = pending[1:]

		err := m.backend.Upsert(ctx, collection, batch)
		if err == nil {
			for _, chunk := range batch {
				outcome.SuccessIDs = append(outcome.SuccessIDs, chunk.ID)
			}
			continue
		}

		if len(batch) > 1 {
			mid := len(batch) / 2
			upsertSplitsTotal.Inc()
			pending = append([][]Chunk{batch[:mid], batch[mid:]}, pending...)
			continue
		}

		outcome.FailedIDs = append(outcome.FailedIDs, batch[0].ID)
		upsertChunksTotal.WithLabelValues("failed").Inc()
		m.logger.Error("chunk upsert failed",
			zap.String("collection", collection),
			zap.String("chunk_id", batch[0].ID),
			zap.Error(err),
		)
	}

	upsertChunksTotal.WithLabelValues("success").Add(float64(len(outcome.SuccessIDs)))
	upsertDuration.Observe(time.Since(start).Seconds())

	span.SetAttributes(
		attribute.Int("success_count", len(outcome.SuccessIDs)),
		attribute.Int("failed_count", len(outcome.FailedIDs)),
	)
	span.SetStatus(codes.Ok, "success")
	return outcome, nil
}

// QueryRequest describes a filtered similarity query.
type QueryRequest struct {
	Embedding  []float32
	EmbedModel string

	// N is the result count (DefaultQueryResults when 0).
	N int

	// DocID restricts hits to one document. Ignored when DocIDs is set.
	DocID string

	// DocIDs restricts hits to a document set and takes priority over DocID.
	DocIDs []string

	// ExtraWhere adds equality filters; only whitelisted keys (file_type,
	// filename, section) are applied, the rest are silently dropped.
	ExtraWhere map[string]any
}

// Query returns the nearest neighbors of the request embedding within the
// embedding model's collection, in the order the backing store ranked them.
func (m *Manager) Query(ctx context.Context, req QueryRequest) (*QueryOutcome, error) {
	ctx, span := managerTracer.Start(ctx, "Manager.Query")
	defer span.End()
	span.SetAttributes(attribute.String("embed_model", req.EmbedModel))

	if req.EmbedModel == "" {
		return nil, fmt.Errorf("%w: embed model required", apperr.ErrInvalidArgument)
	}
	if len(req.Embedding) == 0 {
		return nil, fmt.Errorf("%w: embedding required", apperr.ErrInvalidArgument)
	}
	n := req.N
	if n <= 0 {
		n = DefaultQueryResults
	}

	collection, err := m.resolveCollection(ctx, req.EmbedModel, len(req.Embedding))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	where := m.buildWhere(req)

	hits, err := m.backend.Query(ctx, collection, req.Embedding, n, where)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	queriesTotal.Inc()
	span.SetAttributes(attribute.Int("hit_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return &QueryOutcome{Hits: hits}, nil
}

// buildWhere assembles the server-side filter: DocIDs wins over DocID, extra
// keys pass only through the whitelist. Returns nil when nothing filters.
func (m *Manager) buildWhere(req QueryRequest) Where {
	where := Where{}

	if len(req.DocIDs) > 0 {
		where["doc_id"] = req.DocIDs
	} else if req.DocID != "" {
		where["doc_id"] = req.DocID
	}

	for key, value := range req.ExtraWhere {
		if !extraWhereWhitelist[key] {
			m.logger.Debug("dropping non-whitelisted filter key", zap.String("key", key))
			continue
		}
		where[key] = value
	}

	if len(where) == 0 {
		return nil
	}
	return where
}

// DeleteOptions scopes a DeleteByDocID call.
type DeleteOptions struct {
	// EmbedModel selects the single target collection. Required unless
	// AcrossAllModels is set.
	EmbedModel string

	// AcrossAllModels deletes the document's vectors from every collection
	// owned by this layer.
	AcrossAllModels bool
}

// DeleteByDocID removes all vectors of a document. With AcrossAllModels it
// enumerates every collection matching this layer's naming convention and
// deletes from each; a collection without matching ids is a no-op. Otherwise
// EmbedModel is required.
func (m *Manager) DeleteByDocID(ctx context.Context, docID string, opts DeleteOptions) error {
	ctx, span := managerTracer.Start(ctx, "Manager.DeleteByDocID")
	defer span.End()
	span.SetAttributes(
		attribute.String("doc_id", docID),
		attribute.Bool("across_all_models", opts.AcrossAllModels),
	)

	if docID == "" {
		return fmt.Errorf("%w: doc id required", apperr.ErrInvalidArgument)
	}

	where := Where{"doc_id": docID}

	if opts.AcrossAllModels {
		names, err := m.backend.ListCollections(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		for _, name := range names {
			if !strings.HasPrefix(name, CollectionPrefix) {
				continue
			}
			if err := m.backend.DeleteWhere(ctx, name, where); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}
		}
		span.SetStatus(codes.Ok, "success")
		return nil
	}

	if opts.EmbedModel == "" {
		return fmt.Errorf("%w: embed model required unless deleting across all models", apperr.ErrInvalidArgument)
	}

	if err := m.backend.DeleteWhere(ctx, BuildCollectionName(opts.EmbedModel), where); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count returns the live point count of the embedding model's collection.
// Never cached: callers rely on it reflecting the store right now.
func (m *Manager) Count(ctx context.Context, embedModel string) (int, error) {
	if embedModel == "" {
		return 0, fmt.Errorf("%w: embed model required", apperr.ErrInvalidArgument)
	}
	return m.backend.Count(ctx, BuildCollectionName(embedModel))
}
