package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"web/markergrid/cluster"
	"web/markergrid/logging"
)

const (
	ServiceName = "markergrid.LayerService"

	// codecName is the content subtype the layer service is spoken in.
	codecName = "json"

	defaultMaxMsgSize = 64 * 1024 * 1024
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type emptyMessage struct{}

type listLayersResponse struct {
	Layers []LayerInfo `json:"layers"`
}

type layerRequest struct {
	ID string `json:"id"`
}

type addMarkersRequest struct {
	ID      string            `json:"id"`
	Markers []*cluster.Marker `json:"markers"`
}

type removeMarkersRequest struct {
	ID        string   `json:"id"`
	MarkerIDs []string `json:"markerIds"`
}

type updateMarkerRequest struct {
	ID     string          `json:"id"`
	Marker *cluster.Marker `json:"marker"`
}

type gridSizeRequest struct {
	ID       string `json:"id"`
	GridSize int    `json:"gridSize"`
}

type countResponse struct {
	Count int `json:"count"`
}

// unary adapts a typed Service call into a grpc.MethodDesc handler.
func unary[Req any](method string, call func(ctx context.Context, svc Service, req *Req) (interface{}, error)) grpc.MethodDesc {
	handler := func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		invoke := func(ctx context.Context, req interface{}) (interface{}, error) {
			resp, err := call(ctx, srv.(Service), req.(*Req))
			if err != nil {
				return nil, toStatus(err)
			}
			return resp, nil
		}
		if interceptor == nil {
			return invoke(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		return interceptor(ctx, in, info, invoke)
	}
	return grpc.MethodDesc{MethodName: method, Handler: handler}
}

// LayerServiceDesc describes markergrid.LayerService. Messages are the JSON
// forms of the Service request and response types.
var LayerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateLayer", func(ctx context.Context, svc Service, req *CreateLayerRequest) (interface{}, error) {
			return svc.CreateLayer(ctx, *req)
		}),
		unary("ListLayers", func(ctx context.Context, svc Service, _ *emptyMessage) (interface{}, error) {
			layers, err := svc.ListLayers(ctx)
			if err != nil {
				return nil, err
			}
			return &listLayersResponse{Layers: layers}, nil
		}),
		unary("LoadLayer", func(ctx context.Context, svc Service, req *layerRequest) (interface{}, error) {
			return svc.LoadLayer(ctx, req.ID)
		}),
		unary("SaveLayer", func(ctx context.Context, svc Service, req *layerRequest) (interface{}, error) {
			return svc.SaveLayer(ctx, req.ID)
		}),
		unary("DeleteLayer", func(ctx context.Context, svc Service, req *layerRequest) (interface{}, error) {
			return &emptyMessage{}, svc.DeleteLayer(ctx, req.ID)
		}),
		unary("AddMarkers", func(ctx context.Context, svc Service, req *addMarkersRequest) (interface{}, error) {
			n, err := svc.AddMarkers(ctx, req.ID, req.Markers)
			return &countResponse{Count: n}, err
		}),
		unary("RemoveMarkers", func(ctx context.Context, svc Service, req *removeMarkersRequest) (interface{}, error) {
			n, err := svc.RemoveMarkers(ctx, req.ID, req.MarkerIDs)
			return &countResponse{Count: n}, err
		}),
		unary("UpdateMarker", func(ctx context.Context, svc Service, req *updateMarkerRequest) (interface{}, error) {
			return &emptyMessage{}, svc.UpdateMarker(ctx, req.ID, req.Marker)
		}),
		unary("ClearLayer", func(ctx context.Context, svc Service, req *layerRequest) (interface{}, error) {
			return &emptyMessage{}, svc.ClearLayer(ctx, req.ID)
		}),
		unary("SetGridSize", func(ctx context.Context, svc Service, req *gridSizeRequest) (interface{}, error) {
			return &emptyMessage{}, svc.SetGridSize(ctx, req.ID, req.GridSize)
		}),
		unary("GetClusters", func(ctx context.Context, svc Service, req *ClustersRequest) (interface{}, error) {
			return svc.GetClusters(ctx, *req)
		}),
		unary("GetSummary", func(ctx context.Context, svc Service, req *ClustersRequest) (interface{}, error) {
			return svc.GetSummary(ctx, *req)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "markergrid/layer_service",
}

func RegisterLayerServiceServer(s grpc.ServiceRegistrar, svc Service) {
	s.RegisterService(&LayerServiceDesc, svc)
}

// NewGRPCServer builds a server exposing svc and the standard health
// service, with recovery and request logging interceptors.
func NewGRPCServer(svc Service, logger logging.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(defaultMaxMsgSize),
		grpc.MaxSendMsgSize(defaultMaxMsgSize),
		grpc.ChainUnaryInterceptor(
			recoveryUnaryInterceptor(logger),
			loggingUnaryInterceptor(logger),
		),
	}, opts...)

	s := grpc.NewServer(opts...)
	RegisterLayerServiceServer(s, svc)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s, hs
}

func recoveryUnaryInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("grpc panic recovered",
					logging.String("method", info.FullMethod),
					logging.String("panic", fmt.Sprintf("%v", r)),
					logging.String("stack", string(debug.Stack())))
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

func isHealthCheck(method string) bool {
	return strings.HasPrefix(method, "/grpc.health.v1.Health/")
}

func loggingUnaryInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if isHealthCheck(info.FullMethod) {
			return handler(ctx, req)
		}

		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		fields := []logging.Field{
			logging.String("method", info.FullMethod),
			logging.Duration("duration", time.Since(start)),
			logging.String("code", code.String()),
		}
		if code == codes.Internal || code == codes.Unknown {
			logger.Error("grpc request", append(fields, logging.Err(err))...)
		} else {
			logger.Debug("grpc request", fields...)
		}
		return resp, err
	}
}

// toStatus maps sentinel errors onto gRPC codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrLayerNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus restores the sentinel errors toStatus mapped.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrLayerNotFound, strings.TrimPrefix(st.Message(), ErrLayerNotFound.Error()+": "))
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, strings.TrimPrefix(st.Message(), ErrInvalidArgument.Error()+": "))
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	default:
		return err
	}
}
