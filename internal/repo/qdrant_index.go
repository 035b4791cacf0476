package repo

import (
	"context"
	"fmt"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/miradorstack/mirador-chaos/internal/models"
)

// QdrantIndex stores incident documents as points in a Qdrant collection.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	vectorSize  uint64
}

// NewQdrantIndex connects to Qdrant's gRPC API at addr.
func NewQdrantIndex(addr, collection string, vectorSize int) (*QdrantIndex, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	if collection == "" {
		collection = "chaos_incidents"
	}
	return &QdrantIndex{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		vectorSize:  uint64(vectorSize),
	}, nil
}

// EnsureCollection creates the collection with cosine distance if it is missing.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: q.collection})
	if err != nil {
		return fmt.Errorf("qdrant collection exists: %w", err)
	}
	if exists.GetResult().GetExists() {
		return nil
	}
	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     q.vectorSize,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant create collection: %w", err)
	}
	return nil
}

// Upsert implements the incident index.
func (q *QdrantIndex) Upsert(ctx context.Context, doc models.IncidentDocument) error {
	recorded := doc.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now().UTC()
	}
	fixes := make([]*pb.Value, 0, len(doc.Fixes))
	for _, f := range doc.Fixes {
		fixes = append(fixes, stringValue(f))
	}
	payload := map[string]*pb.Value{
		"incidentId": stringValue(doc.ID),
		"problemId":  stringValue(doc.ProblemID),
		"text":       stringValue(doc.Text),
		"rootCause":  stringValue(doc.RootCause),
		"recordedAt": {Kind: &pb.Value_IntegerValue{IntegerValue: recorded.UnixMilli()}},
		"fixes":      {Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: fixes}}},
	}
	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: objectID(doc.ID)}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: doc.Vector}},
			},
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

// Search implements the incident index.
func (q *QdrantIndex) Search(ctx context.Context, vector []float32, k int) ([]models.SimilarIncident, error) {
	if k <= 0 {
		k = 3
	}
	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}
	results := make([]models.SimilarIncident, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		p := r.GetPayload()
		inc := models.SimilarIncident{
			ID:        p["incidentId"].GetStringValue(),
			ProblemID: p["problemId"].GetStringValue(),
			Text:      p["text"].GetStringValue(),
			RootCause: p["rootCause"].GetStringValue(),
			Score:     float64(r.GetScore()),
		}
		if ms := p["recordedAt"].GetIntegerValue(); ms > 0 {
			inc.RecordedAt = time.UnixMilli(ms).UTC()
		}
		for _, v := range p["fixes"].GetListValue().GetValues() {
			inc.Fixes = append(inc.Fixes, v.GetStringValue())
		}
		results = append(results, inc)
	}
	return results, nil
}

// Count implements the incident index.
func (q *QdrantIndex) Count(ctx context.Context) (int, error) {
	exact := true
	resp, err := q.points.Count(ctx, &pb.CountPoints{CollectionName: q.collection, Exact: &exact})
	if err != nil {
		return 0, fmt.Errorf("qdrant count: %w", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// Close releases the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.conn.Close()
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}
