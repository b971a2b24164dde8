package api

import (
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const metricsKey = "request.metrics"

type requestMetrics struct {
	start      time.Time
	errorStage string
}

func setErrorStage(c echo.Context, stage string) {
	if m, ok := c.Get(metricsKey).(*requestMetrics); ok && stage != "" {
		m.errorStage = stage
	}
}

// logRequests logs one structured entry per request.
func logRequests(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m := &requestMetrics{start: time.Now()}
			c.Set(metricsKey, m)
			err := next(c)

			fields := log.Fields{
				"method":   c.Request().Method,
				"route":    c.Path(),
				"status":   c.Response().Status,
				"total_ms": durationToMillis(time.Since(m.start)),
			}
			if m.errorStage != "" {
				fields["error_stage"] = m.errorStage
			}
			if err != nil {
				fields["error"] = err.Error()
			}
			logger.WithFields(fields).Info("api.request.metrics")
			return err
		}
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
