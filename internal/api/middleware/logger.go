package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// AccessLog writes one zap entry per request. Server errors log at ERROR,
// client errors at WARN, everything else at INFO.
func AccessLog(log *zap.Logger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
				zap.String("request_id", v.RequestID),
			}
			if p, ok := PrincipalFrom(c); ok {
				if p.IsSensor() {
					fields = append(fields, zap.String("sensor_id", p.SensorID))
				} else {
					fields = append(fields, zap.String("user", p.Email))
				}
			}
			switch {
			case v.Status >= 500:
				log.Error("request", append(fields, zap.Error(v.Error))...)
			case v.Status >= 400:
				log.Warn("request", fields...)
			default:
				log.Info("request", fields...)
			}
			return nil
		},
	})
}
