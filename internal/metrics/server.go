package metrics

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Config holds metrics server settings
type Config struct {
	Port string `default:"8081"`
}

// Server exposes the Prometheus scrape endpoint
type Server struct {
	echo   *echo.Echo
	logger *logrus.Logger
}

// StartMetricsServer registers metrics for the given services and starts
// the scrape endpoint in the background
func StartMetricsServer(cfg Config, services []string, logger *logrus.Logger) *Server {
	RegisterMetrics(services, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s := &Server{
		echo:   e,
		logger: logger,
	}

	go func() {
		addr := ":" + cfg.Port
		logger.WithField("addr", addr).Info("starting metrics server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Errorf("metrics server stopped: %v", err)
		}
	}()

	return s
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
