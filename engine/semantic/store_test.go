package semantic

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"github.com/shopstack/recsync/engine/domain"
	"github.com/shopstack/recsync/pkg/fn"
	"google.golang.org/grpc"
)

// --- Mocks ---

type mockPoints struct {
	upsertReqs []*pb.UpsertPoints
	upsertErr  error
	upsertErrN int // fail the first N upsert calls

	getResp *pb.GetResponse
	getErr  error

	searchReq  *pb.SearchPoints
	searchResp *pb.SearchResponse
	searchErr  error
}

func (m *mockPoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.upsertReqs = append(m.upsertReqs, in)
	if m.upsertErr != nil && (m.upsertErrN == 0 || len(m.upsertReqs) <= m.upsertErrN) {
		return nil, m.upsertErr
	}
	return &pb.PointsOperationResponse{}, nil
}

func (m *mockPoints) Get(_ context.Context, _ *pb.GetPoints, _ ...grpc.CallOption) (*pb.GetResponse, error) {
	return m.getResp, m.getErr
}

func (m *mockPoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	m.searchReq = in
	return m.searchResp, m.searchErr
}

type mockCollections struct {
	listResp   *pb.ListCollectionsResponse
	listErr    error
	created    []*pb.CreateCollection
	createErr  error
	infoResp   *pb.GetCollectionInfoResponse
	infoErr    error
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	return m.listResp, m.listErr
}

func (m *mockCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.created = append(m.created, in)
	return &pb.CollectionOperationResponse{Result: true}, m.createErr
}

func (m *mockCollections) Get(_ context.Context, _ *pb.GetCollectionInfoRequest, _ ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error) {
	return m.infoResp, m.infoErr
}

func newTestStore(points *mockPoints, cols *mockCollections) *VectorStore {
	vs := NewWithClients(points, cols, "products")
	vs.retry = fn.RetryOpts{MaxAttempts: 1, InitialWait: time.Millisecond}
	return vs
}

func numID(id uint64) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: id}}
}

func infoResponse(size uint64) *pb.GetCollectionInfoResponse {
	return &pb.GetCollectionInfoResponse{
		Result: &pb.CollectionInfo{
			Config: &pb.CollectionConfig{
				Params: &pb.CollectionParams{
					VectorsConfig: &pb.VectorsConfig{
						Config: &pb.VectorsConfig_Params{
							Params: &pb.VectorParams{Size: size, Distance: pb.Distance_Cosine},
						},
					},
				},
			},
		},
	}
}

func storedVector(id uint64, data []float32) *pb.RetrievedPoint {
	return &pb.RetrievedPoint{
		Id: numID(id),
		Vectors: &pb.VectorsOutput{
			VectorsOptions: &pb.VectorsOutput_Vector{
				Vector: &pb.VectorOutput{Data: data},
			},
		},
	}
}

// --- Tests ---

func TestEnsureCollectionAlreadyExists(t *testing.T) {
	cols := &mockCollections{
		listResp: &pb.ListCollectionsResponse{
			Collections: []*pb.CollectionDescription{{Name: "products"}},
		},
		infoResp: infoResponse(384),
	}
	vs := newTestStore(&mockPoints{}, cols)
	if err := vs.EnsureCollection(context.Background(), 384); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cols.created) != 0 {
		t.Fatal("existing collection should not be recreated")
	}
}

func TestEnsureCollectionDimensionMismatch(t *testing.T) {
	// A pre-existing collection created for another model must fail startup,
	// not every upsert and search afterwards.
	cols := &mockCollections{
		listResp: &pb.ListCollectionsResponse{
			Collections: []*pb.CollectionDescription{{Name: "products"}},
		},
		infoResp: infoResponse(384),
	}
	vs := newTestStore(&mockPoints{}, cols)

	err := vs.EnsureCollection(context.Background(), 768)
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}
	if !strings.Contains(err.Error(), "384") || !strings.Contains(err.Error(), "768") {
		t.Fatalf("error should name both sizes: %v", err)
	}
	if len(cols.created) != 0 {
		t.Fatal("mismatched collection must not be recreated")
	}
}

func TestEnsureCollectionCreates(t *testing.T) {
	cols := &mockCollections{listResp: &pb.ListCollectionsResponse{}}
	vs := newTestStore(&mockPoints{}, cols)
	if err := vs.EnsureCollection(context.Background(), 384); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cols.created) != 1 {
		t.Fatal("expected create call")
	}
	params := cols.created[0].GetVectorsConfig().GetParams()
	if params.GetSize() != 384 || params.GetDistance() != pb.Distance_Cosine {
		t.Fatalf("unexpected vector params: %+v", params)
	}
}

func TestEnsureCollectionListError(t *testing.T) {
	cols := &mockCollections{listErr: errors.New("rpc fail")}
	vs := newTestStore(&mockPoints{}, cols)
	if err := vs.EnsureCollection(context.Background(), 4); err == nil {
		t.Fatal("expected error")
	}
}

func TestUpsertEmpty(t *testing.T) {
	vs := newTestStore(&mockPoints{}, &mockCollections{})
	failed, err := vs.Upsert(context.Background(), nil)
	if err != nil || len(failed) != 0 {
		t.Fatalf("expected clean no-op, got %v %v", failed, err)
	}
}

func TestUpsertSuccess(t *testing.T) {
	points := &mockPoints{}
	vs := newTestStore(points, &mockCollections{})

	failed, err := vs.Upsert(context.Background(), []Point{
		{ID: 1, Vector: []float32{0.1}, Payload: map[string]any{"name": "A", "product_id": int64(1)}},
		{ID: 2, Vector: []float32{0.2}, Payload: map[string]any{"name": "B", "product_id": int64(2)}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("expected no failures, got %v", failed)
	}
	if len(points.upsertReqs) != 1 {
		t.Fatalf("expected one sub-batch, got %d", len(points.upsertReqs))
	}
	req := points.upsertReqs[0]
	if req.GetWait() != true {
		t.Fatal("upsert must wait for durability")
	}
	if got := req.Points[0].GetId().GetNum(); got != 1 {
		t.Fatalf("point id = product id violated: got %d", got)
	}
	if req.Points[0].Payload["name"].GetStringValue() != "A" {
		t.Fatal("payload not carried")
	}
}

func TestUpsertReportsFailedSubBatch(t *testing.T) {
	// More points than one sub-batch; every upsert call fails.
	points := &mockPoints{upsertErr: errors.New("unavailable")}
	vs := newTestStore(points, &mockCollections{})

	var input []Point
	for i := int64(1); i <= int64(UpsertBatchSize+3); i++ {
		input = append(input, Point{ID: i, Vector: []float32{1}})
	}
	failed, err := vs.Upsert(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failed) != UpsertBatchSize+3 {
		t.Fatalf("expected all %d ids reported failed, got %d", UpsertBatchSize+3, len(failed))
	}
	if failed[0] != 1 || failed[len(failed)-1] != int64(UpsertBatchSize+3) {
		t.Fatalf("failed ids wrong: %v…%v", failed[0], failed[len(failed)-1])
	}
}

func TestUpsertRetriesTransientFailure(t *testing.T) {
	points := &mockPoints{upsertErr: errors.New("transient"), upsertErrN: 1}
	vs := newTestStore(points, &mockCollections{})
	vs.retry = fn.RetryOpts{MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond}

	failed, err := vs.Upsert(context.Background(), []Point{{ID: 9, Vector: []float32{1}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("retry should have recovered, failed=%v", failed)
	}
	if len(points.upsertReqs) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(points.upsertReqs))
	}
}

func TestUpsertCancelledContext(t *testing.T) {
	points := &mockPoints{}
	vs := newTestStore(points, &mockCollections{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	failed, err := vs.Upsert(ctx, []Point{{ID: 1, Vector: []float32{1}}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("unattempted points must be reported failed: %v", failed)
	}
	if len(points.upsertReqs) != 0 {
		t.Fatal("no RPC should be issued after cancellation")
	}
}

func TestSearchByVector(t *testing.T) {
	points := &mockPoints{
		searchResp: &pb.SearchResponse{
			Result: []*pb.ScoredPoint{
				{
					Id:    numID(2),
					Score: 0.91,
					Payload: map[string]*pb.Value{
						"name":       {Kind: &pb.Value_StringValue{StringValue: "B"}},
						"product_id": {Kind: &pb.Value_IntegerValue{IntegerValue: 2}},
					},
				},
			},
		},
	}
	vs := newTestStore(points, &mockCollections{})

	hits, err := vs.SearchByVector(context.Background(), []float32{0.5}, 5, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != 2 || hits[0].Score != 0.91 {
		t.Fatalf("unexpected hits: %+v", hits)
	}
	if hits[0].Fields["name"] != "B" || hits[0].Fields["product_id"] != "2" {
		t.Fatalf("unexpected fields: %+v", hits[0].Fields)
	}
	if points.searchReq.Filter != nil {
		t.Fatal("no filter expected without excludeID or filters")
	}
}

func TestSearchByVectorExcludesID(t *testing.T) {
	points := &mockPoints{searchResp: &pb.SearchResponse{}}
	vs := newTestStore(points, &mockCollections{})

	_, err := vs.SearchByVector(context.Background(), []float32{0.5}, 5, 7, map[string]string{"category": "shoes"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	filter := points.searchReq.GetFilter()
	if filter == nil {
		t.Fatal("expected filter")
	}
	if len(filter.MustNot) != 1 {
		t.Fatalf("expected must_not exclusion, got %+v", filter)
	}
	ids := filter.MustNot[0].GetHasId().GetHasId()
	if len(ids) != 1 || ids[0].GetNum() != 7 {
		t.Fatalf("exclusion id wrong: %+v", ids)
	}
	if len(filter.Must) != 1 || filter.Must[0].GetField().GetKey() != "category" {
		t.Fatalf("category filter missing: %+v", filter)
	}
}

func TestSearchByIDNotFound(t *testing.T) {
	points := &mockPoints{getResp: &pb.GetResponse{}}
	vs := newTestStore(points, &mockCollections{})

	_, err := vs.SearchByID(context.Background(), 99, 5, nil)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSearchByIDDelegates(t *testing.T) {
	points := &mockPoints{
		getResp: &pb.GetResponse{
			Result: []*pb.RetrievedPoint{
				{
					Id: numID(3),
					Vectors: &pb.VectorsOutput{
						VectorsOptions: &pb.VectorsOutput_Vector{
							Vector: &pb.VectorOutput{Data: []float32{0.4, 0.6}},
						},
					},
				},
			},
		},
		searchResp: &pb.SearchResponse{},
	}
	vs := newTestStore(points, &mockCollections{})

	_, err := vs.SearchByID(context.Background(), 3, 5, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if points.searchReq == nil {
		t.Fatal("search not delegated")
	}
	if got := points.searchReq.GetVector(); len(got) != 2 || got[0] != 0.4 {
		t.Fatalf("stored vector not used: %v", got)
	}
	// The query product never appears in its own neighbors.
	ids := points.searchReq.GetFilter().GetMustNot()[0].GetHasId().GetHasId()
	if ids[0].GetNum() != 3 {
		t.Fatalf("self-exclusion missing: %+v", ids)
	}
}

func TestSearchByIDsMeanPoolsAndExcludesAll(t *testing.T) {
	points := &mockPoints{
		getResp: &pb.GetResponse{
			Result: []*pb.RetrievedPoint{
				storedVector(1, []float32{0.25, 0.5}),
				storedVector(4, []float32{0.75, 1.0}),
			},
		},
		searchResp: &pb.SearchResponse{},
	}
	vs := newTestStore(points, &mockCollections{})

	_, err := vs.SearchByIDs(context.Background(), []int64{1, 4}, 5, map[string]string{"brand": "acme"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := points.searchReq.GetVector()
	if len(got) != 2 || got[0] != 0.5 || got[1] != 0.75 {
		t.Fatalf("centroid wrong: %v", got)
	}
	filter := points.searchReq.GetFilter()
	ids := filter.GetMustNot()[0].GetHasId().GetHasId()
	if len(ids) != 2 || ids[0].GetNum() != 1 || ids[1].GetNum() != 4 {
		t.Fatalf("all input ids must be excluded: %+v", ids)
	}
	if len(filter.GetMust()) != 1 || filter.GetMust()[0].GetField().GetKey() != "brand" {
		t.Fatalf("brand filter missing: %+v", filter)
	}
}

func TestSearchByIDsMissingProduct(t *testing.T) {
	// Only one of the two requested ids has ever been synced.
	points := &mockPoints{
		getResp: &pb.GetResponse{
			Result: []*pb.RetrievedPoint{storedVector(1, []float32{0.5})},
		},
	}
	vs := newTestStore(points, &mockCollections{})

	_, err := vs.SearchByIDs(context.Background(), []int64{1, 99}, 5, nil)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if points.searchReq != nil {
		t.Fatal("no search may run with an unknown input id")
	}
}

func TestSearchByIDsEmptyInput(t *testing.T) {
	vs := newTestStore(&mockPoints{}, &mockCollections{})
	if _, err := vs.SearchByIDs(context.Background(), nil, 5, nil); err == nil {
		t.Fatal("expected error for empty id list")
	}
}

func TestCollectionInfo(t *testing.T) {
	count := uint64(1234)
	cols := &mockCollections{
		infoResp: &pb.GetCollectionInfoResponse{
			Result: &pb.CollectionInfo{
				PointsCount: &count,
				Config: &pb.CollectionConfig{
					Params: &pb.CollectionParams{
						VectorsConfig: &pb.VectorsConfig{
							Config: &pb.VectorsConfig_Params{
								Params: &pb.VectorParams{Size: 384, Distance: pb.Distance_Cosine},
							},
						},
					},
				},
			},
		},
	}
	vs := newTestStore(&mockPoints{}, cols)

	info, err := vs.CollectionInfo(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Name != "products" || info.Points != 1234 || info.Dimensions != 384 || info.Distance != "Cosine" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestTestConnection(t *testing.T) {
	vs := newTestStore(&mockPoints{}, &mockCollections{listResp: &pb.ListCollectionsResponse{}})
	if err := vs.TestConnection(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	vs = newTestStore(&mockPoints{}, &mockCollections{listErr: errors.New("unreachable")})
	if err := vs.TestConnection(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
