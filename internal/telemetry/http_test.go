package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

func newTestTracerProvider(t *testing.T) (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, tp
}

// newRegistryRouter mimics the shape of the registry API with the given middleware applied
func newRegistryRouter(mw func(http.Handler) http.Handler, status int) http.Handler {
	r := chi.NewRouter()
	r.Use(mw)
	handler := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}
	r.Get("/health", handler)
	r.Route("/api/v3", func(r chi.Router) {
		r.Post("/repositories/{repository}/artifacts/collections/", handler)
		r.Get("/repositories/{repository}/collections/{namespace}/{name}/versions/{version}/", handler)
		r.Get("/tasks/{id}/", handler)
	})
	return r
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracingMiddleware_NilProvider(t *testing.T) {
	t.Parallel()

	called := false
	wrapped := TracingMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusAccepted)
	}))

	rr := httptest.NewRecorder()
	wrapped.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v3/repositories/published/artifacts/collections/", nil))

	assert.True(t, called)
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestTracingMiddleware_Spans(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		method     string
		path       string
		status     int
		wantName   string
		wantStatus codes.Code
		wantAttrs  map[attribute.Key]string
	}{
		{
			name:       "version lookup is named by route and tagged with the collection",
			method:     http.MethodGet,
			path:       "/api/v3/repositories/published/collections/acme/tools/versions/1.2.0/",
			status:     http.StatusOK,
			wantName:   "GET /api/v3/repositories/{repository}/collections/{namespace}/{name}/versions/{version}/",
			wantStatus: codes.Ok,
			wantAttrs: map[attribute.Key]string{
				AttrRepository: "published",
				AttrCollection: "acme.tools",
				AttrVersion:    "1.2.0",
			},
		},
		{
			name:       "upload is tagged with the repository",
			method:     http.MethodPost,
			path:       "/api/v3/repositories/staging/artifacts/collections/",
			status:     http.StatusAccepted,
			wantName:   "POST /api/v3/repositories/{repository}/artifacts/collections/",
			wantStatus: codes.Ok,
			wantAttrs:  map[attribute.Key]string{AttrRepository: "staging"},
		},
		{
			name:       "unknown task leaves status unset",
			method:     http.MethodGet,
			path:       "/api/v3/tasks/0d9f/",
			status:     http.StatusNotFound,
			wantName:   "GET /api/v3/tasks/{id}/",
			wantStatus: codes.Unset,
			wantAttrs:  map[attribute.Key]string{AttrTaskID: "0d9f"},
		},
		{
			name:       "server failure marks the span as error",
			method:     http.MethodGet,
			path:       "/api/v3/tasks/abc/",
			status:     http.StatusInternalServerError,
			wantName:   "GET /api/v3/tasks/{id}/",
			wantStatus: codes.Error,
		},
		{
			name:       "unrouted path uses a constant name",
			method:     http.MethodGet,
			path:       "/nope",
			status:     http.StatusOK,
			wantName:   "GET " + unknownRoute,
			wantStatus: codes.Unset,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			exporter, tp := newTestTracerProvider(t)
			router := newRegistryRouter(TracingMiddleware(tp), tt.status)

			rr := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set("User-Agent", strings.Repeat("a", MaxUserAgentLength+10))
			router.ServeHTTP(rr, req)

			spans := exporter.GetSpans().Snapshots()
			require.Len(t, spans, 1)
			span := spans[0]

			assert.Equal(t, tt.wantName, span.Name())
			assert.Equal(t, trace.SpanKindServer, span.SpanKind())
			assert.Equal(t, tt.wantStatus, span.Status().Code)

			ua, ok := spanAttr(span, semconv.UserAgentOriginalKey)
			require.True(t, ok)
			assert.Len(t, ua.AsString(), MaxUserAgentLength)

			for key, want := range tt.wantAttrs {
				got, ok := spanAttr(span, key)
				require.True(t, ok, "missing attribute %s", key)
				assert.Equal(t, want, got.AsString())
			}
		})
	}
}

func TestTracingMiddleware_SkipsHealthChecks(t *testing.T) {
	t.Parallel()

	exporter, tp := newTestTracerProvider(t)
	router := newRegistryRouter(TracingMiddleware(tp), http.StatusOK)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Empty(t, exporter.GetSpans())
}

func TestTruncateUserAgent(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ansible-galaxy/2.16", truncateUserAgent("ansible-galaxy/2.16"))
	assert.Len(t, truncateUserAgent(strings.Repeat("x", 1000)), MaxUserAgentLength)
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestNewHTTPMetrics_NilProvider(t *testing.T) {
	t.Parallel()

	metrics, err := NewHTTPMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, metrics)

	mw, err := MetricsMiddleware(nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
}

func TestHTTPMetrics_Middleware(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	mw, err := MetricsMiddleware(mp)
	require.NoError(t, err)
	router := newRegistryRouter(mw, http.StatusAccepted)

	upload := httptest.NewRequest(http.MethodPost, "/api/v3/repositories/published/artifacts/collections/",
		strings.NewReader(strings.Repeat("x", 2048)))
	router.ServeHTTP(httptest.NewRecorder(), upload)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v3/tasks/1/", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	got := collect(t, reader)

	requests, ok := got["collreg_http_requests_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	routes := map[string]int64{}
	for _, dp := range requests.DataPoints {
		route, _ := dp.Attributes.Value("route")
		routes[route.AsString()] += dp.Value
	}
	assert.Len(t, routes, 2, "health checks are not counted and routes are not expanded")
	assert.Equal(t, int64(1), routes["/api/v3/repositories/{repository}/artifacts/collections/"])
	assert.Equal(t, int64(1), routes["/api/v3/tasks/{id}/"])

	body, ok := got["collreg_http_request_body_bytes"].Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, body.DataPoints, 1)
	assert.Equal(t, uint64(1), body.DataPoints[0].Count)
	assert.Equal(t, int64(2048), body.DataPoints[0].Sum)

	active, ok := got["collreg_http_active_requests"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	for _, dp := range active.DataPoints {
		assert.Zero(t, dp.Value)
	}
}

func TestRoutePattern_Unrouted(t *testing.T) {
	t.Parallel()

	assert.Equal(t, unknownRoute, routePattern(httptest.NewRequest(http.MethodGet, "/x", nil)))
	assert.Nil(t, routeAttributes(httptest.NewRequest(http.MethodGet, "/x", nil)))
}
