package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func newRequest(target string, header ...string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		r.Header.Set(header[i], header[i+1])
	}
	return r
}

func TestCheckAuth(t *testing.T) {
	assert.True(t, CheckAuth(newRequest("/call?password=s3cret"), "s3cret"))
	assert.True(t, CheckAuth(newRequest("/call", "Authorization", "Bearer s3cret"), "s3cret"))
	assert.True(t, CheckAuth(newRequest("/call", "Authorization", "bearer  s3cret "), "s3cret"))
	assert.True(t, CheckAuth(newRequest("/call", "X-Auth-Token", "s3cret"), "s3cret"))
}

func TestCheckAuth_NegativeCases(t *testing.T) {
	assert.False(t, CheckAuth(newRequest("/call?password=nope"), "s3cret"))
	assert.False(t, CheckAuth(newRequest("/call", "Authorization", "Bearer nope"), "s3cret"))
	assert.False(t, CheckAuth(newRequest("/call", "Authorization", "Basic s3cret"), "s3cret"))
	assert.False(t, CheckAuth(newRequest("/call", "X-Auth-Token", "nope"), "s3cret"))
	assert.False(t, CheckAuth(newRequest("/call"), ""))
	assert.False(t, CheckAuth(nil, "s3cret"))
}

func TestSharedSecret(t *testing.T) {
	ok := func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }
	tests := []struct {
		name     string
		password string
		req      *http.Request
		want     int
	}{
		{"disabled", "", newRequest("/call"), http.StatusNoContent},
		{"missing", "s3cret", newRequest("/call"), http.StatusUnauthorized},
		{"query", "s3cret", newRequest("/call?password=s3cret"), http.StatusNoContent},
		{"preflight", "s3cret", httptest.NewRequest(http.MethodOptions, "/call", nil), http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(tt.req, rec)
			_ = SharedSecret(tt.password)(ok)(c)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
