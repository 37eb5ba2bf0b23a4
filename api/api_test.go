package api_test

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironpki/api"
	"github.com/jmcleod/ironpki/internal/metrics"
	"github.com/jmcleod/ironpki/model"
	"github.com/jmcleod/ironpki/renewal"
)

type fakeStatus struct {
	report *renewal.SweepReport
	next   time.Time
	err    error
}

func (f fakeStatus) LastReport() (renewal.SweepReport, bool) {
	if f.report == nil {
		return renewal.SweepReport{}, false
	}
	return *f.report, true
}

func (f fakeStatus) NextRun() (time.Time, error) { return f.next, f.err }

func (f fakeStatus) State(cert model.Certificate) model.State { return model.StateValid }

func setupServer(t *testing.T, status api.RenewalStatus) (*api.API, *httptest.Server) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveRenewal(metrics.ResultSuccess)
	a := api.New(reg, status)
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)
	return a, srv
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHealth(t *testing.T) {
	a, srv := setupServer(t, fakeStatus{})

	resp, body := get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	a.Drain()
	resp, body = get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.JSONEq(t, `{"status":"shutting_down"}`, string(body))
}

func TestMetrics(t *testing.T) {
	_, srv := setupServer(t, fakeStatus{})
	resp, body := get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `ironpki_renewals_total{result="success"} 1`)
}

func TestRenewal(t *testing.T) {
	t.Run("before first sweep", func(t *testing.T) {
		_, srv := setupServer(t, fakeStatus{err: errors.New("not scheduled")})
		resp, body := get(t, srv.URL+"/renewal")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"last_report":null}`, string(body))
	})

	t.Run("with report", func(t *testing.T) {
		started := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
		report := &renewal.SweepReport{
			StartedAt:  started,
			FinishedAt: started.Add(2 * time.Second),
			Due:        2,
			Renewed:    []string{"cert-1"},
			Skipped:    []string{},
			Failed:     []renewal.Failure{{CertificateID: "cert-2", CommonName: "leaf2.example.com", Attempts: 1, Error: "signing failed"}},
		}
		next := started.Add(24 * time.Hour)
		_, srv := setupServer(t, fakeStatus{report: report, next: next})

		resp, body := get(t, srv.URL+"/renewal")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var got api.RenewalResponse
		require.NoError(t, json.Unmarshal(body, &got))
		require.NotNil(t, got.LastReport)
		assert.Equal(t, 2, got.LastReport.Due)
		assert.Equal(t, []string{"cert-1"}, got.LastReport.Renewed)
		assert.Equal(t, "cert-2", got.LastReport.Failed[0].CertificateID)
		require.NotNil(t, got.NextRun)
		assert.True(t, next.Equal(*got.NextRun))
	})

	t.Run("no scheduler", func(t *testing.T) {
		_, srv := setupServer(t, nil)
		resp, _ := get(t, srv.URL+"/renewal")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestUnknownRoute(t *testing.T) {
	_, srv := setupServer(t, fakeStatus{})
	resp, _ := get(t, srv.URL+"/api/v1/vaults")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
