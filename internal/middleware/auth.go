package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// CheckAuth accepts the password as ?password=, a bearer token, or X-Auth-Token.
func CheckAuth(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}

// SharedSecret rejects requests that do not carry password. An empty
// password disables the check.
func SharedSecret(password string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if password == "" || c.Request().Method == http.MethodOptions {
				return next(c)
			}
			if !CheckAuth(c.Request(), password) {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			return next(c)
		}
	}
}
