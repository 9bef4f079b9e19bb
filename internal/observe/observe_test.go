package observe

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownExporters(t *testing.T) {
	_, err := New(context.Background(), Config{ServiceName: "danki", MetricsExporter: "statsd"})
	assert.ErrorContains(t, err, "unknown metrics exporter")

	_, err = New(context.Background(), Config{ServiceName: "danki", MetricsExporter: ExporterNone, TracesExporter: "jaeger"})
	assert.ErrorContains(t, err, "unknown traces exporter")
}

func TestMiddlewareAndMetricsHandler(t *testing.T) {
	var traces bytes.Buffer
	telemetry, err := New(context.Background(), Config{
		ServiceName:     "danki",
		Version:         "test",
		MetricsExporter: ExporterPrometheus,
		TracesExporter:  ExporterStdout,
		Writer:          &traces,
	})
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Use(telemetry.Middleware)
	router.Get("/collections/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	router.Method(http.MethodGet, "/metrics", telemetry.MetricsHandler())

	srv := httptest.NewServer(router)
	defer srv.Close()

	client := resty.New()
	for i := 0; i < 3; i++ {
		resp, err := client.R().Get(srv.URL + "/collections/42")
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode())
	}

	resp, err := client.R().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	body := resp.String()
	assert.Contains(t, body, "http_server_requests")
	assert.Contains(t, body, `http_route="/collections/{id}"`)
	assert.Contains(t, body, `http_response_status_code="404"`)
	assert.NotContains(t, body, "/collections/42")

	require.NoError(t, telemetry.Shutdown(context.Background()))
	assert.Contains(t, traces.String(), "GET /collections/{id}")
}

func TestMetricsHandlerWithoutPrometheus(t *testing.T) {
	telemetry, err := New(context.Background(), Config{
		ServiceName:     "danki",
		MetricsExporter: ExporterNone,
		TracesExporter:  ExporterNone,
	})
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	telemetry.MetricsHandler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	assert.NoError(t, telemetry.Shutdown(context.Background()))
}
