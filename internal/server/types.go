package server

import "vecagent/internal/index"

const (
	defaultTopK   = 10
	defaultRadius = -1
)

// SearchRequest represents the request body for a vector search
type SearchRequest struct {
	Vector  []float32 `json:"vector" binding:"required"`
	TopK    uint32    `json:"top_k"`
	Epsilon float32   `json:"epsilon"`
	Radius  *float32  `json:"radius,omitempty"`
}

// SearchByIDRequest searches with the stored vector of ID
type SearchByIDRequest struct {
	ID      string   `json:"id" binding:"required"`
	TopK    uint32   `json:"top_k"`
	Epsilon float32  `json:"epsilon"`
	Radius  *float32 `json:"radius,omitempty"`
}

// SearchResponse represents the response body for search results
type SearchResponse struct {
	Vector  []float32        `json:"vector,omitempty"`
	Results []index.Distance `json:"results"`
}

// ObjectRequest carries a single vector write
type ObjectRequest struct {
	ID     string    `json:"id" binding:"required"`
	Vector []float32 `json:"vector" binding:"required"`
}

// MultiObjectRequest pairs IDs and Vectors by position
type MultiObjectRequest struct {
	IDs     []string    `json:"ids" binding:"required"`
	Vectors [][]float32 `json:"vectors" binding:"required"`
}

type RemoveRequest struct {
	ID string `json:"id" binding:"required"`
}

type GetObjectRequest struct {
	ID string `json:"id"`
}

type MultiRemoveRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

// ObjectLocation acknowledges a write
type ObjectLocation struct {
	ID string `json:"id"`
}

// ObjectResponse is a stored vector
type ObjectResponse struct {
	ID        string    `json:"id"`
	Vector    []float32 `json:"vector"`
	Timestamp int64     `json:"timestamp"`
}

type ExistsResponse struct {
	ID  string `json:"id"`
	OID uint32 `json:"oid"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// StreamRequest wraps one inbound websocket frame. RequestID is echoed back
// so clients can correlate out of order responses; one is assigned when
// empty.
type StreamRequest[T any] struct {
	RequestID string `json:"request_id"`
	Payload   T      `json:"payload"`
}

// StreamResponse is one outbound websocket frame.
type StreamResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Status    int    `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (r *SearchRequest) radius() float32 {
	if r.Radius == nil {
		return defaultRadius
	}
	return *r.Radius
}

func (r *SearchRequest) topK() uint32 {
	if r.TopK == 0 {
		return defaultTopK
	}
	return r.TopK
}

func (r *SearchByIDRequest) radius() float32 {
	if r.Radius == nil {
		return defaultRadius
	}
	return *r.Radius
}

func (r *SearchByIDRequest) topK() uint32 {
	if r.TopK == 0 {
		return defaultTopK
	}
	return r.TopK
}
