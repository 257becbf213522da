package runner

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"web/markergrid/cluster"
)

// Client calls a remote LayerService. Errors carry the same sentinels the
// Runner returns.
type Client struct {
	cc grpc.ClientConnInterface
}

var _ Service = (*Client)(nil)

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to a runner at addr over plaintext.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(defaultMaxMsgSize),
			grpc.MaxCallSendMsgSize(defaultMaxMsgSize),
		),
	}, opts...)
	return grpc.Dial(addr, opts...)
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, grpc.CallContentSubtype(codecName))
	if err != nil {
		return fromStatus(err)
	}
	return nil
}

func (c *Client) CreateLayer(ctx context.Context, req CreateLayerRequest) (*LayerInfo, error) {
	out := new(LayerInfo)
	if err := c.invoke(ctx, "CreateLayer", &req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListLayers(ctx context.Context) ([]LayerInfo, error) {
	out := new(listLayersResponse)
	if err := c.invoke(ctx, "ListLayers", &emptyMessage{}, out); err != nil {
		return nil, err
	}
	return out.Layers, nil
}

func (c *Client) LoadLayer(ctx context.Context, id string) (*LayerInfo, error) {
	out := new(LayerInfo)
	if err := c.invoke(ctx, "LoadLayer", &layerRequest{ID: id}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SaveLayer(ctx context.Context, id string) (*LayerInfo, error) {
	out := new(LayerInfo)
	if err := c.invoke(ctx, "SaveLayer", &layerRequest{ID: id}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteLayer(ctx context.Context, id string) error {
	return c.invoke(ctx, "DeleteLayer", &layerRequest{ID: id}, &emptyMessage{})
}

func (c *Client) AddMarkers(ctx context.Context, id string, markers []*cluster.Marker) (int, error) {
	out := new(countResponse)
	if err := c.invoke(ctx, "AddMarkers", &addMarkersRequest{ID: id, Markers: markers}, out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) RemoveMarkers(ctx context.Context, id string, markerIDs []string) (int, error) {
	out := new(countResponse)
	if err := c.invoke(ctx, "RemoveMarkers", &removeMarkersRequest{ID: id, MarkerIDs: markerIDs}, out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) UpdateMarker(ctx context.Context, id string, marker *cluster.Marker) error {
	return c.invoke(ctx, "UpdateMarker", &updateMarkerRequest{ID: id, Marker: marker}, &emptyMessage{})
}

func (c *Client) ClearLayer(ctx context.Context, id string) error {
	return c.invoke(ctx, "ClearLayer", &layerRequest{ID: id}, &emptyMessage{})
}

func (c *Client) SetGridSize(ctx context.Context, id string, gridSize int) error {
	return c.invoke(ctx, "SetGridSize", &gridSizeRequest{ID: id, GridSize: gridSize}, &emptyMessage{})
}

func (c *Client) GetClusters(ctx context.Context, req ClustersRequest) (*cluster.FeatureCollection, error) {
	out := new(cluster.FeatureCollection)
	if err := c.invoke(ctx, "GetClusters", &req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetSummary(ctx context.Context, req ClustersRequest) (*cluster.Summary, error) {
	out := new(cluster.Summary)
	if err := c.invoke(ctx, "GetSummary", &req, out); err != nil {
		return nil, err
	}
	return out, nil
}
