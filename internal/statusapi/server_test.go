package statusapi

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/safetensors"
	"github.com/samcharles93/strata/pkg/quant"
)

type testModel struct {
	pool    *device.Pool
	handles map[string]device.Handle
}

func newTestModel(t *testing.T) *testModel {
	t.Helper()
	m := &testModel{
		pool:    device.NewPool(device.CPU, device.WithName("status-test"), device.WithBudget(1<<20)),
		handles: make(map[string]device.Handle),
	}
	for name, shape := range map[string]device.Shape{"embed": {2, 3}, "norm": {3}} {
		h, err := m.pool.Allocate(make([]float32, shape.Elems()), shape)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		m.handles[name] = h
	}
	return m
}

func (m *testModel) Path() string { return "/models/test" }

func (m *testModel) Names() []string {
	names := make([]string, 0, len(m.handles))
	for n := range m.handles {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (m *testModel) Tensor(name string) (*device.Array, error) {
	h, ok := m.handles[name]
	if !ok {
		return nil, fmt.Errorf("unknown tensor %q", name)
	}
	return m.pool.Array(h)
}

func (m *testModel) Descriptor(name string) (safetensors.Descriptor, bool) {
	if name != "embed" {
		return safetensors.Descriptor{}, false
	}
	return safetensors.Descriptor{Name: name, Scheme: quant.Q8, Location: safetensors.Location{File: "a.safetensors", Length: 6}}, true
}

func (m *testModel) Pool() *device.Pool { return m.pool }

func newTestEcho(t *testing.T) (*echo.Echo, *testModel) {
	t.Helper()
	m := newTestModel(t)
	e := echo.New()
	NewServer(m, nil).Register(e)
	return e, m
}

func get(e *echo.Echo, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	rec := get(e, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestPoolStatus(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	rec := get(e, "/v1/pool")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	var got PoolStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := PoolStatus{
		Model:       "/models/test",
		Pool:        "status-test",
		Device:      "cpu",
		Arrays:      2,
		MemoryBytes: 36,
		BudgetBytes: 1 << 20,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("pool status mismatch (-want +got):\n%s", diff)
	}
}

func TestTensors(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	rec := get(e, "/v1/tensors")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	var got []TensorStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].Name != "embed" || got[1].Name != "norm" {
		t.Fatalf("unexpected tensor list %+v", got)
	}
	if got[0].Scheme != "I8" || got[0].DiskBytes != 6 {
		t.Fatalf("expected descriptor fields on embed, got %+v", got[0])
	}
	if diff := cmp.Diff([]int{2, 3}, got[0].Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
}

func TestTensorByName(t *testing.T) {
	t.Parallel()
	e, m := newTestEcho(t)

	rec := get(e, "/v1/tensors/norm")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	var got TensorStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	a, _ := m.Tensor("norm")
	if got.ID != a.ID() || got.Device != "cpu" {
		t.Fatalf("unexpected tensor status %+v", got)
	}

	if rec := get(e, "/v1/tensors/nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	if err := m.pool.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if rec := get(e, "/v1/tensors/norm"); rec.Code != http.StatusGone {
		t.Fatalf("expected 410 after clear, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	rec := get(e, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "strata_pool_bytes") {
		t.Fatalf("expected pool metrics in exposition")
	}
}
