// Package statusapi serves a read-only HTTP view of a loaded model: pool
// usage, the tensor directory and Prometheus metrics.
package statusapi

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/safetensors"
)

// Model is what the status endpoints report on. *loader.Model satisfies it.
type Model interface {
	Path() string
	Names() []string
	Tensor(name string) (*device.Array, error)
	Descriptor(name string) (safetensors.Descriptor, bool)
	Pool() *device.Pool
}

type Server struct {
	model Model
	log   logger.Logger
}

func NewServer(m Model, log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{model: m, log: log}
}

// PoolStatus is the body of GET /v1/pool.
type PoolStatus struct {
	Model       string `json:"model"`
	Pool        string `json:"pool"`
	Device      string `json:"device"`
	Arrays      int    `json:"arrays"`
	MemoryBytes int64  `json:"memory_bytes"`
	BudgetBytes int64  `json:"budget_bytes"`
}

// TensorStatus describes one registered tensor.
type TensorStatus struct {
	Name      string    `json:"name"`
	ID        uuid.UUID `json:"id"`
	Shape     []int     `json:"shape"`
	Device    string    `json:"device"`
	Scheme    string    `json:"scheme,omitempty"`
	DiskBytes int64     `json:"disk_bytes,omitempty"`
	File      string    `json:"file,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Register mounts every route on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/pool", s.handlePool)
	e.GET("/v1/tensors", s.handleTensors)
	e.GET("/v1/tensors/:name", s.handleTensor)
	e.GET("/metrics", handleMetrics)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePool(c *echo.Context) error {
	p := s.model.Pool()
	st := p.Stats()
	return c.JSON(http.StatusOK, PoolStatus{
		Model:       s.model.Path(),
		Pool:        p.Name(),
		Device:      st.Device.String(),
		Arrays:      st.Arrays,
		MemoryBytes: st.Bytes,
		BudgetBytes: p.Budget(),
	})
}

func (s *Server) handleTensors(c *echo.Context) error {
	names := s.model.Names()
	out := make([]TensorStatus, 0, len(names))
	for _, name := range names {
		ts, err := s.tensorStatus(name)
		if err != nil {
			s.log.Error("tensor status failed", "tensor", name, "error", err)
			return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
		}
		out = append(out, ts)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleTensor(c *echo.Context) error {
	name := c.Param("name")
	ts, err := s.tensorStatus(name)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, ts)
	case errors.Is(err, device.ErrStaleHandle):
		return c.JSON(http.StatusGone, errorBody{Error: err.Error()})
	default:
		return c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
	}
}

func (s *Server) tensorStatus(name string) (TensorStatus, error) {
	a, err := s.model.Tensor(name)
	if err != nil {
		return TensorStatus{}, err
	}
	ts := TensorStatus{
		Name:   name,
		ID:     a.ID(),
		Shape:  a.Shape(),
		Device: a.Device().String(),
	}
	if d, ok := s.model.Descriptor(name); ok {
		ts.Scheme = d.Scheme.String()
		ts.DiskBytes = d.Location.Length
		ts.File = d.Location.File
	}
	return ts, nil
}

func handleMetrics(c *echo.Context) error {
	promhttp.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}
