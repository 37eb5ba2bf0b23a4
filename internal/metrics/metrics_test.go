package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveOperation("issue", time.Now(), nil)
	c.ObserveOperation("issue", time.Now(), errors.New("boom"))
	c.ObserveRenewal(ResultSuccess)
	c.ObserveRenewal(ResultSuccess)
	c.ObserveRenewal(ResultFailure)
	c.ObserveSweep(time.Unix(1700000000, 0), time.Second, 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("issue", ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("issue", ResultFailure)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.renewals.WithLabelValues(ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sweeps))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(c.lastSweep))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.dueCertificates))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ironpki_renewals_total"))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.ObserveOperation("issue", time.Now(), nil)
	c.ObserveRenewal(ResultSkipped)
	c.ObserveSweep(time.Now(), 0, 0)
}
