package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-idempotent-dispatch/internal/app"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/aws"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/config"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/handlers"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/observability"
)

func main() {
	config.LoadDotEnv()
	cfg := config.LoadServiceConfig()
	config.SetupLogging(cfg.LogLevel)
	logger := logrus.WithField("service", "dispatch-api")

	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		logger.WithError(err).Fatal("failed to init aws clients")
	}

	metrics, metricsHandler, err := observability.NewMetrics()
	if err != nil {
		logger.WithError(err).Fatal("failed to init metrics")
	}

	components, err := app.Build(cfg, app.Deps{Clients: clients, Metrics: metrics, Logger: logger})
	if err != nil {
		logger.WithError(err).Fatal("failed to build dispatch service")
	}

	if cw := components.CloudWatch; cw != nil {
		metricsCtx, stopMetrics := context.WithCancel(context.Background())
		flushed := make(chan struct{})
		go func() {
			cw.Run(metricsCtx, cfg.MetricsFlush)
			close(flushed)
		}()
		defer func() {
			stopMetrics()
			<-flushed
		}()
	}

	if !cfg.RunLocal {
		gin.SetMode(gin.ReleaseMode)
	}
	r := handlers.NewRouter(handlers.RouterConfig{
		Service:        components.Service,
		APIKey:         cfg.APIKey,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Logger:         logger,
	})

	// if RUN_LOCAL is set to "true", run a local HTTP server for development.
	if cfg.RunLocal {
		runLocal(r, cfg, logger)
		_ = metrics.Shutdown(context.Background())
		return
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}

func runLocal(r *gin.Engine, cfg *config.ServiceConfig, logger *logrus.Entry) {
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.WithField("addr", srv.Addr).Info("running local server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("failed to run local server")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
}
