// Package vectors provides the semantic memory index via Qdrant.
package vectors

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/aidehq/aide/internal/logging"
)

// CollectionMemories holds one point per memory record, all users together,
// partitioned by a user_id payload field.
const CollectionMemories = "memories"

// Store wraps the Qdrant client for memory indexing.
type Store struct {
	client *qdrant.Client
}

// Config for vector store
type Config struct {
	Host   string // Qdrant host, default "localhost"
	Port   int    // Qdrant gRPC port, default 6334
	UseTLS bool
}

// NewStore creates a new vector store
func NewStore(cfg Config) (*Store, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}

	return &Store{client: client}, nil
}

// Close closes the Qdrant connection
func (s *Store) Close() error {
	return s.client.Close()
}

// EnsureCollection creates the memories collection if it does not exist.
func (s *Store) EnsureCollection(ctx context.Context, dimension uint64) error {
	exists, err := s.client.CollectionExists(ctx, CollectionMemories)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", CollectionMemories, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: CollectionMemories,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     dimension,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", CollectionMemories, err)
	}

	logging.Info("Created collection: %s", CollectionMemories)
	return nil
}

// pointID derives a stable UUID point id from a record id. Qdrant point ids
// must be UUIDs or integers; record ids are ULIDs, so we hash.
func pointID(recordID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(recordID)).String())
}

// Index upserts one memory record's vector. The ULID record id rides in the
// payload so search results can be joined back to SQLite.
func (s *Store) Index(ctx context.Context, recordID, userID string, vector []float32) error {
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: CollectionMemories,
		Points: []*qdrant.PointStruct{{
			Id:      pointID(recordID),
			Vectors: qdrant.NewVectors(vector...),
			Payload: map[string]*qdrant.Value{
				"record_id": qdrant.NewValueString(recordID),
				"user_id":   qdrant.NewValueString(userID),
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to index record %s: %w", recordID, err)
	}
	return nil
}

// Match is one semantic search hit.
type Match struct {
	RecordID string
	Score    float32
}

// Search returns the record ids most similar to the query vector for one
// user, best first.
func (s *Store) Search(ctx context.Context, userID string, vector []float32, limit uint64) ([]Match, error) {
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: CollectionMemories,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(limit),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key: "user_id",
						Match: &qdrant.Match{
							MatchValue: &qdrant.Match_Keyword{Keyword: userID},
						},
					},
				},
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		recordID := ""
		if v, ok := r.Payload["record_id"]; ok {
			recordID = v.GetStringValue()
		}
		if recordID == "" {
			continue
		}
		matches = append(matches, Match{RecordID: recordID, Score: r.Score})
	}

	return matches, nil
}

// Remove deletes a record's point. Called on forget so the index never
// resurrects a soft-deleted memory.
func (s *Store) Remove(ctx context.Context, recordID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: CollectionMemories,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{pointID(recordID)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	return nil
}
