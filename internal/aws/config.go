package aws

import (
	"context"
	"fmt"
	"os"
	"strconv"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// DefaultRegion is used when AWS_REGION is unset.
const DefaultRegion = "us-east-1"

// LoadAWSConfig loads the shared AWS config used by the ledger, the retry
// queue and CloudWatch.
//
//   - AWS_ENDPOINT_OVERRIDE points every client at one endpoint (localstack).
//   - AWS_MAX_ATTEMPTS bounds SDK-level retries of a single call.
func LoadAWSConfig(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (sdkaws.Config, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = DefaultRegion
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if raw := os.Getenv("AWS_MAX_ATTEMPTS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return sdkaws.Config{}, fmt.Errorf("invalid AWS_MAX_ATTEMPTS %q", raw)
		}
		opts = append(opts, awsconfig.WithRetryMaxAttempts(n))
	}
	opts = append(opts, optFns...)

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return cfg, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if endpoint := os.Getenv("AWS_ENDPOINT_OVERRIDE"); endpoint != "" {
		cfg.BaseEndpoint = sdkaws.String(endpoint)
	}
	return cfg, nil
}
