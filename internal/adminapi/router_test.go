package adminapi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestMetricsRouteScrapesGivenGatherer(t *testing.T) {
	db, mock := mockGormDB(t)
	mock.MatchExpectationsInOrder(false)

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "adminapi_test_total"})
	counter.Inc()
	reg.MustRegister(counter)

	h := NewHandler(db, &fakeReader{}, nil)
	app := newTestAppWithGatherer(t, h, reg)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "adminapi_test_total 1")
}

func TestSwaggerRouteIsMounted(t *testing.T) {
	db, _ := mockGormDB(t)
	h := NewHandler(db, &fakeReader{}, nil)
	app := newTestApp(t, h)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/swagger/index.html", nil))
	require.NoError(t, err)
	require.NotEqual(t, http.StatusNotFound, resp.StatusCode)
}
