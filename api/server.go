// Package api serves the layer service over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"web/markergrid/cluster"
	"web/markergrid/logging"
	"web/markergrid/metrics"
	"web/markergrid/runner"
)

type Server struct {
	svc     runner.Service
	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewServer(svc runner.Service, logger logging.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Server{svc: svc, logger: logger, metrics: m}
}

// Router builds the gin engine serving the layer API, /metrics and /healthz.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogging(s.logger, s.metrics), cors())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	layers := r.Group("/api/layers")
	layers.GET("", s.listLayers)
	layers.POST("", s.createLayer)
	layers.POST("/:id/load", s.loadLayer)
	layers.POST("/:id/save", s.saveLayer)
	layers.DELETE("/:id", s.deleteLayer)

	layers.POST("/:id/markers", s.addMarkers)
	layers.DELETE("/:id/markers", s.removeMarkers)
	layers.PUT("/:id/markers/:markerId", s.updateMarker)
	layers.POST("/:id/clear", s.clearLayer)
	layers.PUT("/:id/grid", s.setGridSize)

	layers.GET("/:id/clusters", s.getClusters)
	layers.GET("/:id/summary", s.getSummary)
	return r
}

func (s *Server) listLayers(c *gin.Context) {
	layers, err := s.svc.ListLayers(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if layers == nil {
		layers = []runner.LayerInfo{}
	}
	c.JSON(http.StatusOK, layers)
}

func (s *Server) createLayer(c *gin.Context) {
	var req runner.CreateLayerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	info, err := s.svc.CreateLayer(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) loadLayer(c *gin.Context) {
	info, err := s.svc.LoadLayer(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) saveLayer(c *gin.Context) {
	info, err := s.svc.SaveLayer(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) deleteLayer(c *gin.Context) {
	if err := s.svc.DeleteLayer(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) addMarkers(c *gin.Context) {
	var req struct {
		Markers []*cluster.Marker `json:"markers"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	n, err := s.svc.AddMarkers(c.Request.Context(), c.Param("id"), req.Markers)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": n})
}

func (s *Server) removeMarkers(c *gin.Context) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	n, err := s.svc.RemoveMarkers(c.Request.Context(), c.Param("id"), req.IDs)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (s *Server) updateMarker(c *gin.Context) {
	var m cluster.Marker
	if err := c.ShouldBindJSON(&m); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	markerID := c.Param("markerId")
	if m.ID != "" && m.ID != markerID {
		badRequest(c, fmt.Sprintf("marker id %q does not match path", m.ID))
		return
	}
	m.ID = markerID
	if err := s.svc.UpdateMarker(c.Request.Context(), c.Param("id"), &m); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) clearLayer(c *gin.Context) {
	if err := s.svc.ClearLayer(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setGridSize(c *gin.Context) {
	var req struct {
		GridSize int `json:"gridSize"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if err := s.svc.SetGridSize(c.Request.Context(), c.Param("id"), req.GridSize); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getClusters(c *gin.Context) {
	req, err := clustersRequest(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	fc, err := s.svc.GetClusters(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, fc)
}

func (s *Server) getSummary(c *gin.Context) {
	req, err := clustersRequest(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	summary, err := s.svc.GetSummary(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func clustersRequest(c *gin.Context) (runner.ClustersRequest, error) {
	req := runner.ClustersRequest{LayerID: c.Param("id")}
	zoom, err := strconv.ParseFloat(c.Query("zoom"), 64)
	if err != nil || math.IsNaN(zoom) || math.IsInf(zoom, 0) {
		return req, fmt.Errorf("invalid zoom parameter")
	}
	req.Zoom = zoom
	req.Bounds, err = boundsFromQuery(c)
	return req, err
}

// boundsFromQuery reads north/south/east/west. All four or none must be
// given; none means the whole world.
func boundsFromQuery(c *gin.Context) (*cluster.Bounds, error) {
	names := [4]string{"north", "south", "east", "west"}
	var vals [4]float64
	given := 0
	for i, name := range names {
		raw, ok := c.GetQuery(name)
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s parameter", name)
		}
		vals[i] = v
		given++
	}
	switch given {
	case 0:
		return nil, nil
	case len(names):
	default:
		return nil, fmt.Errorf("bounds need north, south, east and west")
	}

	b := &cluster.Bounds{MaxLat: vals[0], MinLat: vals[1], MaxLng: vals[2], MinLng: vals[3]}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// fail writes err with the HTTP status matching its sentinel.
func (s *Server) fail(c *gin.Context, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, runner.ErrLayerNotFound):
		return http.StatusNotFound
	case errors.Is(err, runner.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	}
	if status.Code(err) == codes.Unavailable {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
