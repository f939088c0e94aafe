package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type observation struct {
	method, path string
	status       int
}

type fakeRecorder struct {
	mu  sync.Mutex
	obs []observation
}

func (f *fakeRecorder) RecordHTTPRequest(method, path string, status int, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, observation{method, path, status})
}

func TestMetrics_RecordsRoutePattern(t *testing.T) {
	rec := &fakeRecorder{}
	e := echo.New()
	e.Use(Metrics(rec))
	e.GET("/calls/:id", func(c echo.Context) error { return c.String(http.StatusOK, c.Param("id")) })
	e.GET("/boom", func(c echo.Context) error { return echo.NewHTTPError(http.StatusBadGateway, "down") })

	for _, target := range []string{"/calls/1", "/calls/2", "/boom"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}

	assert.Equal(t, []observation{
		{"GET", "/calls/:id", 200},
		{"GET", "/calls/:id", 200},
		{"GET", "/boom", 502},
	}, rec.obs)
}

func TestRequestLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	e := echo.New()
	e.Use(RequestLog(zap.New(core)))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/fail", func(c echo.Context) error { return echo.NewHTTPError(http.StatusBadRequest, "nope") })

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, "request", entries[0].Message)
	assert.Equal(t, "/healthz", entries[0].ContextMap()["path"])
	assert.Equal(t, "request failed", entries[1].Message)
}
