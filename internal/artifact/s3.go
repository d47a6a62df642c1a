// Package artifact archives completion results to object storage so outcomes
// outlive Redis TTLs and database retention.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"fleet-coordinator/internal/config"
	"fleet-coordinator/internal/models"
)

// S3Archiver writes one JSON object per completion under results/<job>/<rank>.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// New builds the archiver. Returns nil when no bucket is configured so the
// caller can treat archiving as disabled.
func New(ctx context.Context, cfg config.Config) (*S3Archiver, error) {
	if cfg.ArtifactS3Bucket == "" {
		return nil, nil
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArtifactS3Region),
	}
	if cfg.ArtifactS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArtifactS3Endpoint,
					HostnameImmutable: cfg.ArtifactPathStyle,
					SigningRegion:     cfg.ArtifactS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArtifactPathStyle
	})
	return &S3Archiver{client: client, bucket: cfg.ArtifactS3Bucket}, nil
}

// Archive uploads the completion record as JSON.
func (a *S3Archiver) Archive(ctx context.Context, rec models.CompletionRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}
	key := fmt.Sprintf("results/%s/%d.json", rec.JobID, rec.Rank)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}
