package polybase

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MinIOConfig configures an S3-compatible endpoint such as MinIO or LocalStack.
type MinIOConfig struct {
	Endpoint        string // e.g., "localhost:9000" or "http://localhost:4566"
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool // Whether to use HTTPS when Endpoint has no scheme
	Bucket          string
	Region          string
}

// EndpointURL returns the endpoint with a scheme.
func (c MinIOConfig) EndpointURL() string {
	if strings.HasPrefix(c.Endpoint, "http://") || strings.HasPrefix(c.Endpoint, "https://") {
		return c.Endpoint
	}
	scheme := "http"
	if c.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, c.Endpoint)
}

// NewMinIOBackend creates an S3Backend against an S3-compatible endpoint
// with path-style addressing.
func NewMinIOBackend(cfg MinIOConfig) (*S3Backend, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Endpoint/Bucket",
			"reason": "endpoint and bucket are required",
		})
	}
	region := cfg.Region
	if region == "" {
		region = DefaultRegion // MinIO doesn't enforce regions, but SDK requires it
	}

	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(cfg.EndpointURL()),
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		UsePathStyle: true, // path-style addressing: http://host/bucket/key
	})

	return NewS3Backend(client, cfg.Bucket), nil
}
