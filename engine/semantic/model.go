package semantic

// Point is a single vector to store, keyed by the product id.
type Point struct {
	ID      int64
	Vector  []float32
	Payload map[string]any
}

// Hit is a single similarity search result.
type Hit struct {
	ID     int64             `json:"id"`
	Score  float32           `json:"score"`
	Fields map[string]string `json:"fields"`
}

// CollectionInfo summarizes the backing collection for status endpoints.
type CollectionInfo struct {
	Name       string `json:"collection_name"`
	Points     uint64 `json:"points_count"`
	Dimensions uint64 `json:"vector_size"`
	Distance   string `json:"distance_metric"`
}
