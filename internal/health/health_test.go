package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/locator/internal/util/workerpool"
)

type fakeTopology struct {
	ready   bool
	pingErr error
}

func (f *fakeTopology) Ready() bool                    { return f.ready }
func (f *fakeTopology) Ping(ctx context.Context) error { return f.pingErr }

func TestLiveness(t *testing.T) {
	hc := NewHealthCheck(&fakeTopology{}, nil, zap.NewNop())
	rec := httptest.NewRecorder()
	hc.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadiness(t *testing.T) {
	stats := func() workerpool.Stats { return workerpool.Stats{Capacity: 4, Queued: 1} }

	tests := []struct {
		name     string
		topo     *fakeTopology
		wantCode int
		wantKey  string
		wantVal  string
	}{
		{"ready", &fakeTopology{ready: true}, http.StatusOK, "snapshots", "loaded"},
		{"missing snapshot", &fakeTopology{ready: false}, http.StatusServiceUnavailable, "snapshots", "missing"},
		{"store down", &fakeTopology{ready: true, pingErr: errors.New("refused")}, http.StatusServiceUnavailable, "topology_store", "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthCheck(tt.topo, stats, zap.NewNop())
			rec := httptest.NewRecorder()
			hc.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var resp ReadinessResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantVal, resp.Checks[tt.wantKey])
			assert.Equal(t, "ok", resp.Checks["durability_pool"])
		})
	}
}
