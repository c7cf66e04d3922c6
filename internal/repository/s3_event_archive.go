package repository

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	appConfig "github.com/mansoorceksport/subscriptions/internal/config"
)

// objectPutter is the slice of the S3 API the archive needs
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3EventArchive implements domain.EventArchive on any S3-compatible store
type S3EventArchive struct {
	client objectPutter
	bucket string
}

// NewS3EventArchive connects to the bucket, creating it if needed
func NewS3EventArchive(ctx context.Context, cfg appConfig.S3Config) (*S3EventArchive, error) {
	// Static credentials cover both AWS and self-hosted stores (MinIO, SeaweedFS)
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config, %v", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true // Required for most S3-compatible stores
	})

	if err := ensureBucket(ctx, client, cfg.Bucket); err != nil {
		return nil, err
	}

	return &S3EventArchive{client: client, bucket: cfg.Bucket}, nil
}

// EventKey lays raw events out by delivery day
func EventKey(eventID string, receivedAt time.Time) string {
	return fmt.Sprintf("webhooks/%s/%s.json", receivedAt.UTC().Format("2006/01/02"), eventID)
}

// Store uploads the verified payload and returns its object key
func (a *S3EventArchive) Store(ctx context.Context, eventID string, receivedAt time.Time, payload []byte) (string, error) {
	key := EventKey(eventID, receivedAt)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive event %s: %w", eventID, err)
	}
	return key, nil
}

// ensureBucket checks if bucket exists, creating it if necessary
func ensureBucket(ctx context.Context, client *s3.Client, bucket string) error {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(bucket),
		})
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}
	return nil
}
