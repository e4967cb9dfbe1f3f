package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/collection-registry/internal/api"
	"github.com/stacklok/collection-registry/internal/service"
	"github.com/stacklok/collection-registry/internal/service/mocks"
	"github.com/stacklok/collection-registry/internal/sources"
)

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	mockSvc := mocks.NewMockRegistryService(ctrl)
	// No expectations needed - health check doesn't call service
	server := api.NewServer(mockSvc)

	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var response map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.Equal(t, "healthy", response["status"])
}

func TestReadinessEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		readyErr       error
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "service ready",
			expectedStatus: http.StatusOK,
			expectedBody:   "ready",
		},
		{
			name:           "service not ready",
			readyErr:       errors.New("catalog not ready"),
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   "catalog not ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)
			mockSvc := mocks.NewMockRegistryService(ctrl)
			mockSvc.EXPECT().CheckReadiness(gomock.Any()).Return(tt.readyErr)

			rr := httptest.NewRecorder()
			api.NewServer(mockSvc).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readiness", nil))

			assert.Equal(t, tt.expectedStatus, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.expectedBody)
		})
	}
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	server := api.NewServer(mocks.NewMockRegistryService(ctrl))

	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	var response map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	for _, key := range []string{"version", "commit", "build_date", "go_version", "platform"} {
		assert.Contains(t, response, key)
	}
}

func TestMetricsHandler(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# HELP collreg_up\n"))
	})

	rr := httptest.NewRecorder()
	api.NewServer(mocks.NewMockRegistryService(ctrl), api.WithMetricsHandler(metrics)).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "collreg_up")
}

func TestMiddlewaresApplied(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	var calls atomic.Int32
	counting := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			next.ServeHTTP(w, r)
		})
	}

	server := api.NewServer(mocks.NewMockRegistryService(ctrl),
		api.WithMiddlewares(counting, api.LoggingMiddleware))
	server.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	server.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, int32(2), calls.Load())
}

func TestContentIndexAlias(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	mockSvc := mocks.NewMockRegistryService(ctrl)
	mockSvc.EXPECT().
		ListIndex(gomock.Any(), "community", gomock.Any()).
		Return(&service.IndexPage{Total: 0, Page: 1, PageSize: service.DefaultPageSize}, nil)

	rr := httptest.NewRecorder()
	api.NewServer(mockSvc).ServeHTTP(rr,
		httptest.NewRequest(http.MethodGet, "/content/community"+sources.CollectionVersionsPath, nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var page sources.IndexPage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	assert.Equal(t, 0, page.Count)
	assert.Empty(t, page.Results)
	assert.Nil(t, page.Next)
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	rr := httptest.NewRecorder()
	api.NewServer(mocks.NewMockRegistryService(ctrl)).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v3/nope/", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
}
