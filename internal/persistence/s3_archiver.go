package persistence

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archiver uploads each hourly snapshot to an S3 bucket, keyed by
// timestamp, for disaster recovery independent of the local SQLite file.
type S3Archiver struct {
	bucket   string
	uploader *manager.Uploader
}

// NewS3Archiver builds an archiver for bucket in region. Returns an error if
// the default AWS credential chain cannot be resolved (e.g. no operator
// credentials configured) — callers should treat that as "archival disabled",
// not fatal to the daemon.
func NewS3Archiver(ctx context.Context, bucket, region string) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("s3 archiver: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{bucket: bucket, uploader: manager.NewUploader(client)}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, takenAt time.Time, payload []byte) error {
	key := fmt.Sprintf("snapshots/%s.msgpack", takenAt.UTC().Format("20060102T150405Z"))
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return fmt.Errorf("s3 archiver: upload %s: %w", key, err)
	}
	return nil
}
