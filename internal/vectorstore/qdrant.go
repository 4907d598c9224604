package vectorstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Tracer for OpenTelemetry instrumentation.
var qdrantTracer = otel.Tracer("docmind.vectorstore.qdrant")

// QdrantConfig holds configuration for the Qdrant gRPC backend.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the Qdrant gRPC port (6334 by default, not the HTTP 6333).
	Port int

	// APIKey authenticates against a secured Qdrant deployment. Optional.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// MaxRetries is the retry budget for transient failures. Default: 3.
	MaxRetries int

	// RetryBackoff is the initial retry delay, doubling per retry.
	// Default: 1 second.
	RetryBackoff time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	return nil
}

// isTransientError reports whether a gRPC error should be retried.
func isTransientError(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// isNotFound reports whether a gRPC error means the collection is missing.
func isNotFound(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == grpccodes.NotFound
}

// QdrantBackend implements Backend over Qdrant's native gRPC client.
type QdrantBackend struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger
}

// NewQdrantBackend connects to Qdrant and verifies the connection with a
// health check.
func NewQdrantBackend(config QdrantConfig, logger *zap.Logger) (*QdrantBackend, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	backend := &QdrantBackend{client: client, config: config, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}

	return backend, nil
}

// Close closes the gRPC connection.
func (b *QdrantBackend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// retryOperation retries an operation with exponential backoff on transient
// gRPC failures.
func (b *QdrantBackend) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := b.config.RetryBackoff

	for attempt := 0; attempt <= b.config.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		if !isTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}
		if attempt == b.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, b.config.MaxRetries, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

// EnsureCollection creates the collection with cosine distance if missing.
func (b *QdrantBackend) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantBackend.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	if err := ValidateCollectionName(name); err != nil {
		return err
	}

	var exists bool
	err := b.retryOperation(ctx, "collection_exists", func() error {
		info, err := b.client.GetCollectionInfo(ctx, name)
		if err != nil {
			if isNotFound(err) {
				exists = false
				return nil
			}
			return err
		}
		exists = info != nil
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("checking collection %s: %w", name, err)
	}
	if exists {
		return nil
	}

	err = b.retryOperation(ctx, "create_collection", func() error {
		return b.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(vectorSize),
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("creating collection %s: %w", name, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Upsert writes one batch of chunks to the collection.
func (b *QdrantBackend) Upsert(ctx context.Context, collection string, chunks []Chunk) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantBackend.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("chunk_count", len(chunks)),
	)

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, chunk := range chunks {
		payload := map[string]*qdrant.Value{
			"id":      {Kind: &qdrant.Value_StringValue{StringValue: chunk.ID}},
			"content": {Kind: &qdrant.Value_StringValue{StringValue: chunk.Content}},
		}
		for k, v := range chunk.Metadata.Fields() {
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
		}

		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointUUID(chunk.ID)),
			Vectors: qdrant.NewVectors(chunk.Embedding...),
			Payload: payload,
		}
	}

	err := b.retryOperation(ctx, "upsert", func() error {
		_, err := b.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting %d points to %s: %w", len(points), collection, err)
	}

	b.logger.Debug("upserted points",
		zap.String("collection", collection),
		zap.Int("count", len(points)),
	)
	span.SetStatus(codes.Ok, "success")
	return nil
}

// pointUUID maps a chunk id onto a stable Qdrant point id, so re-upserting
// the same chunk replaces its point instead of duplicating it. The original
// chunk id is preserved in the payload.
func pointUUID(chunkID string) string {
	if _, err := uuid.Parse(chunkID); err == nil {
		return chunkID
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}

// Query returns up to n nearest neighbors ordered by ascending distance.
func (b *QdrantBackend) Query(ctx context.Context, collection string, embedding []float32, n int, where Where) ([]QueryHit, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantBackend.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("n", n),
	)

	filter, err := buildQdrantFilter(where)
	if err != nil {
		return nil, err
	}

	var points []*qdrant.ScoredPoint
	err = b.retryOperation(ctx, "query", func() error {
		res, err := b.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(embedding...),
			Limit:          qdrant.PtrOf(uint64(n)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         filter,
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}

	hits := make([]QueryHit, len(points))
	for i, point := range points {
		hit := QueryHit{
			// Qdrant reports cosine similarity; convert to distance.
			Distance: 1 - point.Score,
			Metadata: make(map[string]any),
		}
		for k, v := range point.Payload {
			switch val := v.Kind.(type) {
			case *qdrant.Value_StringValue:
				switch k {
				case "content":
					hit.Content = val.StringValue
				case "id":
					hit.ID = val.StringValue
				default:
					hit.Metadata[k] = val.StringValue
				}
			case *qdrant.Value_IntegerValue:
				hit.Metadata[k] = val.IntegerValue
			case *qdrant.Value_DoubleValue:
				hit.Metadata[k] = val.DoubleValue
			case *qdrant.Value_BoolValue:
				hit.Metadata[k] = val.BoolValue
			}
		}
		hits[i] = hit
	}

	span.SetAttributes(attribute.Int("hit_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// DeleteWhere removes all points matching the filter. A missing collection is
// a no-op.
func (b *QdrantBackend) DeleteWhere(ctx context.Context, collection string, where Where) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantBackend.DeleteWhere")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	filter, err := buildQdrantFilter(where)
	if err != nil {
		return err
	}

	err = b.retryOperation(ctx, "delete", func() error {
		_, err := b.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
			},
		})
		if err != nil && isNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting from collection %s: %w", collection, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count returns the live point count; a missing collection counts as 0.
func (b *QdrantBackend) Count(ctx context.Context, collection string) (int, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantBackend.Count")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	var count uint64
	err := b.retryOperation(ctx, "count", func() error {
		res, err := b.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: collection,
			Exact:          qdrant.PtrOf(true),
		})
		if err != nil {
			if isNotFound(err) {
				count = 0
				return nil
			}
			return err
		}
		count = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("counting collection %s: %w", collection, err)
	}

	return int(count), nil
}

// ListCollections returns all collection names in the store.
func (b *QdrantBackend) ListCollections(ctx context.Context) ([]string, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantBackend.ListCollections")
	defer span.End()

	var collections []string
	err := b.retryOperation(ctx, "list_collections", func() error {
		result, err := b.client.ListCollections(ctx)
		if err != nil {
			return err
		}
		collections = result
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("listing collections: %w", err)
	}

	span.SetAttributes(attribute.Int("collection_count", len(collections)))
	return collections, nil
}

// buildQdrantFilter translates a Where filter into Qdrant match conditions.
func buildQdrantFilter(where Where) (*qdrant.Filter, error) {
	if len(where) == 0 {
		return nil, nil
	}

	conditions := make([]*qdrant.Condition, 0, len(where))
	for key, value := range where {
		var match *qdrant.Match
		switch v := value.(type) {
		case string:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: v}}
		case int:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: strconv.Itoa(v)}}
		case []string:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Keywords{
				Keywords: &qdrant.RepeatedStrings{Strings: v},
			}}
		default:
			return nil, fmt.Errorf("unsupported filter value for key %q: %T", key, value)
		}
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{Key: key, Match: match},
			},
		})
	}

	return &qdrant.Filter{Must: conditions}, nil
}
