// Package archive pushes combine's plaintext per-election results to an
// S3-compatible bucket as a durable export/audit artifact. It is a
// side-effect of the combine worker, not a replacement for the row written
// to the store.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/electionguard/tally-orchestrator/internal/config"
)

// Archiver writes a single combine result object to the configured bucket.
type Archiver interface {
	// ArchiveResult uploads electionID's combine output under a
	// deterministic key. Callers that don't care about durable export can
	// treat a non-nil error as non-fatal to the combine operation itself.
	ArchiveResult(ctx context.Context, electionID string, data []byte, metadata map[string]string) error
}

// s3Archiver implements Archiver using AWS SDK v2 against any S3-compatible
// endpoint selected via ProviderConfig.
type s3Archiver struct {
	client *s3.Client
	bucket string
}

// NewArchiver builds an Archiver from ArchiveConfig. Returns a no-op
// archiver when the feature is disabled so callers don't need an enabled
// check of their own.
func NewArchiver(ctx context.Context, cfg config.ArchiveConfig) (Archiver, error) {
	if !cfg.Enabled {
		return noopArchiver{}, nil
	}

	endpoint, region, err := ValidateProviderConfig(cfg.Endpoint, cfg.Provider, cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	pathStyle := RequiresPathStyleAddressing(cfg.Provider)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Provider != "aws" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	})

	return &s3Archiver{client: client, bucket: cfg.Bucket}, nil
}

// ArchiveResult uploads electionID's combine result under
// "results/<electionID>.json".
func (a *s3Archiver) ArchiveResult(ctx context.Context, electionID string, data []byte, metadata map[string]string) error {
	key := resultKey(electionID)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		Metadata:    metadata,
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: put %s/%s: %w", a.bucket, key, err)
	}
	return nil
}

func resultKey(electionID string) string {
	return fmt.Sprintf("results/%s.json", electionID)
}

// IsNotFound reports whether err is an S3 "not found" style error, for
// callers that probe bucket existence before first use.
func IsNotFound(err error) bool {
	var respErr *smithyhttp.ResponseError
	return err != nil && errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404
}

// noopArchiver is returned when archiving is disabled in configuration.
type noopArchiver struct{}

func (noopArchiver) ArchiveResult(ctx context.Context, electionID string, data []byte, metadata map[string]string) error {
	return nil
}
