package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-idempotent-dispatch/internal/app"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/aws"
	"github.com/imrishuroy/go-idempotent-dispatch/internal/config"
)

func main() {
	config.LoadDotEnv()
	cfg := config.LoadServiceConfig()
	config.SetupLogging(cfg.LogLevel)
	logger := logrus.WithField("service", "dispatch-worker")

	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		logger.WithError(err).Fatal("failed to init aws clients")
	}
	components, err := app.Build(cfg, app.Deps{Clients: clients, Logger: logger})
	if err != nil {
		logger.WithError(err).Fatal("failed to build dispatch service")
	}
	processor := NewProcessor(components.Service, components.Publisher, logger)
	handle := processor.Handle
	if cw := components.CloudWatch; cw != nil {
		// the sandbox may be frozen between invocations, so publish before returning
		handle = func(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
			resp, err := processor.Handle(ctx, event)
			_ = cw.Flush(ctx)
			return resp, err
		}
	}

	// If RUN_LOCAL=true, simulate a single SQS event for local testing.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			logger.Fatal("LOCAL_SQS_BODY is required when RUN_LOCAL=true")
		}
		event := events.SQSEvent{
			Records: []events.SQSMessage{{MessageId: "local-1", Body: body}},
		}
		resp, _ := handle(context.Background(), event)
		if len(resp.BatchItemFailures) > 0 {
			logger.Fatal("local retry failed")
		}
		return
	}

	lambda.Start(handle)
}
