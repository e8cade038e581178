package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(ExecutionsTotal.WithLabelValues("python", "success"))
	ExecutionsTotal.WithLabelValues("python", "success").Inc()
	ExecutionsTotal.WithLabelValues("python", "success").Inc()
	assert.Equal(t, before+2, testutil.ToFloat64(ExecutionsTotal.WithLabelValues("python", "success")))

	// Other label combinations are unaffected
	assert.Equal(t, float64(0), testutil.ToFloat64(ExecutionsTotal.WithLabelValues("python", "error")))
}

func TestGaugesTrackBothDirections(t *testing.T) {
	IndicesLive.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(IndicesLive))
	IndicesLive.Dec()
	assert.Equal(t, float64(2), testutil.ToFloat64(IndicesLive))
}

func TestHandlerExposesCollectors(t *testing.T) {
	Register()

	KernelsTotal.WithLabelValues("python", "idle").Set(1)
	PoolTakesTotal.WithLabelValues("worker", "python", "hit").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "substrate_kernels_total")
	assert.Contains(t, string(body), "substrate_pool_takes_total")
}
