package httpserver

import (
	"github.com/BitGladiator/Prepster/internal/middleware"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// NewRouter creates a configured Echo instance. rec may be nil.
func NewRouter(logger *zap.Logger, rec middleware.HTTPRecorder) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLog(logger))
	if rec != nil {
		e.Use(middleware.Metrics(rec))
	}
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, "X-Auth-Token"},
	}))
	return e
}
