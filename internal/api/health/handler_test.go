package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volsurface/internal/workers"
	"volsurface/pkg/errors"
	"volsurface/pkg/logger"
)

type staticWorkers map[string]workers.WorkerHealth

func (s staticWorkers) Health() map[string]workers.WorkerHealth { return s }

func ok(context.Context) error   { return nil }
func down(context.Context) error { return errors.New("connection refused") }

func serve(t *testing.T, h *Handler) (int, HealthStatus) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	return rec.Code, status
}

func TestHandleHealth_Healthy(t *testing.T) {
	h := New(logger.Nop(), "volsurface", "test").
		Require("store", ok).
		Optional("redis", ok)

	code, status := serve(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", status.Status)
	assert.Len(t, status.Checks, 2)
}

func TestHandleHealth_OptionalFailureDegrades(t *testing.T) {
	h := New(logger.Nop(), "volsurface", "test").
		Require("store", ok).
		Optional("clickhouse", down)

	code, status := serve(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "connection refused", status.Checks["clickhouse"].Error)
}

func TestHandleHealth_RequiredFailureIsUnhealthy(t *testing.T) {
	h := New(logger.Nop(), "volsurface", "test").
		Require("store", down).
		Optional("clickhouse", down)

	code, status := serve(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", status.Status)
}

func TestHandleHealth_StaleWorker(t *testing.T) {
	now := time.Now()
	src := staticWorkers{
		"fresh":    {LastRun: now, Enabled: true},
		"stale":    {LastRun: now.Add(-3 * time.Hour), Enabled: true},
		"disabled": {Enabled: false},
	}
	h := New(logger.Nop(), "volsurface", "test").WithWorkers(src, 2*time.Hour)

	code, status := serve(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, []string{"stale"}, status.Stale)
}

func TestUnavailable(t *testing.T) {
	err := Unavailable(errors.New("dial tcp: refused"))(context.Background())
	assert.ErrorIs(t, err, errors.ErrUnavailable)
}

func TestHandleLiveness(t *testing.T) {
	rec := httptest.NewRecorder()
	New(logger.Nop(), "volsurface", "test").HandleLiveness(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}
