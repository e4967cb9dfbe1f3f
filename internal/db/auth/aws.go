package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	rdsauth "github.com/aws/aws-sdk-go-v2/feature/rds/auth"

	"github.com/stacklok/collection-registry/internal/config"
)

const awsRegionDetect = "detect"

// awsRegion resolves the configured region, asking IMDS when it is "detect"
func awsRegion(ctx context.Context, cfg *config.DynamicAuthAWSRDSIAM) (string, error) {
	if cfg.Region == "" {
		return "", fmt.Errorf("AWS RDS IAM region is not configured")
	}
	if cfg.Region != awsRegionDetect {
		return cfg.Region, nil
	}

	imdsClient := imds.New(imds.Options{
		HTTPClient: &http.Client{Timeout: 2 * time.Second},
	})
	out, err := imdsClient.GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get region from IMDS: %w", err)
	}
	return out.Region, nil
}

// awsToken builds an RDS IAM token for user, usable as the connection password
func awsToken(ctx context.Context, cfg *config.DatabaseConfig, region, user string) (string, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return "", fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	token, err := rdsauth.BuildAuthToken(ctx, endpoint, region, user, awsCfg.Credentials)
	if err != nil {
		return "", fmt.Errorf("failed to build authentication token: %w", err)
	}
	return token, nil
}
