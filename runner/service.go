package runner

import (
	"context"
	"errors"
	"time"

	"web/markergrid/cluster"
)

var (
	ErrLayerNotFound   = errors.New("layer not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// MaxZoom bounds requested zoom levels.
const MaxZoom = 30

// Service is the layer API. *Runner implements it in-process and *Client
// over gRPC.
type Service interface {
	CreateLayer(ctx context.Context, req CreateLayerRequest) (*LayerInfo, error)
	ListLayers(ctx context.Context) ([]LayerInfo, error)
	LoadLayer(ctx context.Context, id string) (*LayerInfo, error)
	SaveLayer(ctx context.Context, id string) (*LayerInfo, error)
	DeleteLayer(ctx context.Context, id string) error

	AddMarkers(ctx context.Context, id string, markers []*cluster.Marker) (int, error)
	RemoveMarkers(ctx context.Context, id string, markerIDs []string) (int, error)
	UpdateMarker(ctx context.Context, id string, marker *cluster.Marker) error
	ClearLayer(ctx context.Context, id string) error
	SetGridSize(ctx context.Context, id string, gridSize int) error

	GetClusters(ctx context.Context, req ClustersRequest) (*cluster.FeatureCollection, error)
	GetSummary(ctx context.Context, req ClustersRequest) (*cluster.Summary, error)
}

type LayerInfo struct {
	ID        string    `json:"id"`
	NumPoints int       `json:"numPoints"`
	GridSize  int       `json:"gridSize"`
	Timestamp time.Time `json:"timestamp"`
	FileSize  int64     `json:"fileSize"`
	Loaded    bool      `json:"loaded"`
}

// CreateLayerRequest creates a layer, optionally seeded with NumPoints
// random markers inside Bounds.
type CreateLayerRequest struct {
	NumPoints int             `json:"numPoints"`
	GridSize  int             `json:"gridSize,omitempty"`
	Bounds    *cluster.Bounds `json:"bounds,omitempty"`
	Seed      int64           `json:"seed,omitempty"`
}

// ClustersRequest selects a zoom and an optional viewport of a layer.
type ClustersRequest struct {
	LayerID string          `json:"layerId"`
	Zoom    float64         `json:"zoom"`
	Bounds  *cluster.Bounds `json:"bounds,omitempty"`
}
