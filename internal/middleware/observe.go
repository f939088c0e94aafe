package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// HTTPRecorder receives one observation per served request.
type HTTPRecorder interface {
	RecordHTTPRequest(method, path string, status int, duration time.Duration)
}

// RequestLog logs every request through zap.
func RequestLog(logger *zap.Logger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("path", v.URIPath),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				logger.Warn("request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Info("request", fields...)
			return nil
		},
	})
}

// Metrics observes every request. The path label is the route pattern.
func Metrics(rec HTTPRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			rec.RecordHTTPRequest(c.Request().Method, path, status, time.Since(start))
			return err
		}
	}
}
