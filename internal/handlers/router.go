package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RouterConfig groups dependencies for the HTTP API.
type RouterConfig struct {
	Service        DispatchService
	APIKey         string
	Metrics        HTTPMetrics  // optional
	MetricsHandler http.Handler // optional, served on /metrics
	Logger         *logrus.Entry
}

// NewRouter builds the gin engine. /health and /metrics are not
// authenticated.
func NewRouter(cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.WithField("component", "http")
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger))
	if cfg.Metrics != nil {
		r.Use(Metrics(cfg.Metrics))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}

	api := r.Group("/", BearerAuth(cfg.APIKey))
	RegisterDispatchRoutes(api, NewDispatchHandler(cfg.Service, logger))
	return r
}
