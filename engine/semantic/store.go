// Package semantic is the sole owner of all Qdrant operations.
package semantic

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"github.com/shopstack/recsync/engine/domain"
	"github.com/shopstack/recsync/pkg/fn"
	"github.com/shopstack/recsync/pkg/resilience"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// UpsertBatchSize is the number of points per upsert RPC. Each RPC is atomic
// on the Qdrant side, so this is also the granularity of partial failure.
const UpsertBatchSize = 64

// pointsAPI is the subset of pb.PointsClient the store uses.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Get(ctx context.Context, in *pb.GetPoints, opts ...grpc.CallOption) (*pb.GetResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

// collectionsAPI is the subset of pb.CollectionsClient the store uses.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
}

// VectorStore holds the product vectors, one point per product id.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
	breaker     *resilience.Breaker
	retry       fn.RetryOpts
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr string, collection string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	vs := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection)
	vs.conn = conn
	return vs, nil
}

// NewWithClients creates a VectorStore over existing clients. Used by tests.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string) *VectorStore {
	return &VectorStore{
		points:      points,
		collections: collections,
		collection:  collection,
		breaker:     resilience.NewBreaker(resilience.DefaultBreakerOpts),
		retry:       fn.DefaultRetry,
	}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist. When it already
// exists, its configured vector size must equal dims (the embedding model's
// output length); a mismatch fails startup instead of failing every upsert and
// search later.
func (v *VectorStore) EnsureCollection(ctx context.Context, dims int) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			info, err := v.CollectionInfo(ctx)
			if err != nil {
				return err
			}
			if info.Dimensions != uint64(dims) {
				return fmt.Errorf("semantic: collection %s is configured for %d dimensions, embedding model produces %d",
					v.collection, info.Dimensions, dims)
			}
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", v.collection, err)
	}
	return nil
}

func payloadValue(val any) *pb.Value {
	switch tv := val.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

func pointStruct(p Point) *pb.PointStruct {
	payload := make(map[string]*pb.Value, len(p.Payload))
	for k, val := range p.Payload {
		payload[k] = payloadValue(val)
	}
	return &pb.PointStruct{
		Id: &pb.PointId{
			PointIdOptions: &pb.PointId_Num{Num: uint64(p.ID)},
		},
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vector{
				Vector: &pb.Vector{Data: p.Vector},
			},
		},
		Payload: payload,
	}
}

// Upsert writes points in sub-batches. Re-upserting an existing id overwrites
// its vector and payload. The returned slice contains the ids of every point
// that could not be written after bounded retries; callers must exclude those
// from any indexed-status write-back. A non-nil error is returned only when
// the context ends before all sub-batches were attempted.
func (v *VectorStore) Upsert(ctx context.Context, points []Point) ([]int64, error) {
	if len(points) == 0 {
		return nil, nil
	}

	var failed []int64
	for _, batch := range fn.Chunk(points, UpsertBatchSize) {
		if err := ctx.Err(); err != nil {
			for _, p := range batch {
				failed = append(failed, p.ID)
			}
			return failed, err
		}

		structs := fn.Map(batch, pointStruct)
		wait := true
		result := fn.Retry(ctx, v.retry, func(ctx context.Context) fn.Result[struct{}] {
			err := v.breaker.Call(ctx, func(ctx context.Context) error {
				_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
					CollectionName: v.collection,
					Wait:           &wait,
					Points:         structs,
				})
				return err
			})
			if err != nil {
				return fn.Err[struct{}](fmt.Errorf("semantic: upsert %d points: %w", len(batch), err))
			}
			return fn.Ok(struct{}{})
		})
		if result.IsErr() {
			for _, p := range batch {
				failed = append(failed, p.ID)
			}
		}
	}
	return failed, nil
}

// SearchByVector performs k-NN similarity search, descending score. excludeID,
// when positive, is filtered out of the results; filters become keyword match
// conditions on payload fields.
func (v *VectorStore) SearchByVector(ctx context.Context, vector []float32, topK int, excludeID int64, filters map[string]string) ([]Hit, error) {
	var exclude []int64
	if excludeID > 0 {
		exclude = []int64{excludeID}
	}
	return v.search(ctx, vector, topK, exclude, filters)
}

// search is the shared k-NN path; excludeIDs become a single must_not HasId
// condition.
func (v *VectorStore) search(ctx context.Context, vector []float32, topK int, excludeIDs []int64, filters map[string]string) ([]Hit, error) {
	req := &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}

	filter := &pb.Filter{}
	for k, val := range filters {
		filter.Must = append(filter.Must, fieldMatch(k, val))
	}
	if len(excludeIDs) > 0 {
		ids := fn.Map(excludeIDs, func(id int64) *pb.PointId {
			return &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: uint64(id)}}
		})
		filter.MustNot = append(filter.MustNot, &pb.Condition{
			ConditionOneOf: &pb.Condition_HasId{
				HasId: &pb.HasIdCondition{HasId: ids},
			},
		})
	}
	if len(filter.Must) > 0 || len(filter.MustNot) > 0 {
		req.Filter = filter
	}

	var resp *pb.SearchResponse
	err := v.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		resp, err = v.points.Search(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	hits := make([]Hit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		h := Hit{
			ID:     int64(r.GetId().GetNum()),
			Score:  r.GetScore(),
			Fields: make(map[string]string, len(r.GetPayload())),
		}
		for k, val := range r.GetPayload() {
			switch kind := val.GetKind().(type) {
			case *pb.Value_StringValue:
				h.Fields[k] = kind.StringValue
			case *pb.Value_IntegerValue:
				h.Fields[k] = fmt.Sprintf("%d", kind.IntegerValue)
			default:
				h.Fields[k] = val.String()
			}
		}
		hits[i] = h
	}
	return hits, nil
}

// SearchByID fetches the stored vector for a product and searches for its
// neighbors, excluding the product itself. Returns domain.ErrNotFound when the
// product has never been synced.
func (v *VectorStore) SearchByID(ctx context.Context, id int64, topK int, filters map[string]string) ([]Hit, error) {
	withVectors := true
	var resp *pb.GetResponse
	err := v.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		resp, err = v.points.Get(ctx, &pb.GetPoints{
			CollectionName: v.collection,
			Ids:            []*pb.PointId{{PointIdOptions: &pb.PointId_Num{Num: uint64(id)}}},
			WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: withVectors}},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: get point %d: %w", id, err)
	}
	if len(resp.GetResult()) == 0 {
		return nil, fmt.Errorf("semantic: product %d: %w", id, domain.ErrNotFound)
	}

	vector := resp.GetResult()[0].GetVectors().GetVector().GetData()
	if len(vector) == 0 {
		return nil, fmt.Errorf("semantic: product %d has no stored vector: %w", id, domain.ErrNotFound)
	}
	return v.SearchByVector(ctx, vector, topK, id, filters)
}

// SearchByIDs fetches the stored vectors for a set of products, mean-pools
// them into one query vector, and searches for neighbors excluding every input
// id. Cosine distance is scale-invariant, so the unnormalized mean is a valid
// centroid. Returns domain.ErrNotFound when any input id has never been synced.
func (v *VectorStore) SearchByIDs(ctx context.Context, ids []int64, topK int, filters map[string]string) ([]Hit, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("semantic: no product ids given")
	}

	pointIDs := fn.Map(ids, func(id int64) *pb.PointId {
		return &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: uint64(id)}}
	})
	withVectors := true
	var resp *pb.GetResponse
	err := v.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		resp, err = v.points.Get(ctx, &pb.GetPoints{
			CollectionName: v.collection,
			Ids:            pointIDs,
			WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: withVectors}},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: get %d points: %w", len(ids), err)
	}

	found := make(map[int64][]float32, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		found[int64(r.GetId().GetNum())] = r.GetVectors().GetVector().GetData()
	}

	var centroid []float32
	for _, id := range ids {
		vec, ok := found[id]
		if !ok || len(vec) == 0 {
			return nil, fmt.Errorf("semantic: product %d: %w", id, domain.ErrNotFound)
		}
		if centroid == nil {
			centroid = make([]float32, len(vec))
		}
		for i, x := range vec {
			centroid[i] += x
		}
	}
	for i := range centroid {
		centroid[i] /= float32(len(ids))
	}
	return v.search(ctx, centroid, topK, ids, filters)
}

// CollectionInfo returns point count and vector configuration. Read-only.
func (v *VectorStore) CollectionInfo(ctx context.Context) (CollectionInfo, error) {
	resp, err := v.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: v.collection})
	if err != nil {
		return CollectionInfo{}, fmt.Errorf("semantic: collection info %s: %w", v.collection, err)
	}
	info := CollectionInfo{Name: v.collection}
	result := resp.GetResult()
	if result == nil {
		return info, nil
	}
	info.Points = result.GetPointsCount()
	if params := result.GetConfig().GetParams().GetVectorsConfig().GetParams(); params != nil {
		info.Dimensions = params.GetSize()
		info.Distance = params.GetDistance().String()
	}
	return info, nil
}

// TestConnection verifies the Qdrant service is reachable. No side effects.
func (v *VectorStore) TestConnection(ctx context.Context) error {
	if _, err := v.collections.List(ctx, &pb.ListCollectionsRequest{}); err != nil {
		return fmt.Errorf("semantic: connection test: %w", err)
	}
	return nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
