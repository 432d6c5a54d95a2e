package filesource

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/joseph-ayodele/timecard-processor/internal/common"
	"github.com/joseph-ayodele/timecard-processor/internal/repository"
)

// S3Source streams objects from an S3-compatible store.
type S3Source struct {
	client        *s3.Client
	defaultBucket string
}

// NewS3Source builds a client from the default AWS credential chain. An
// endpoint override targets S3-compatible stores.
func NewS3Source(ctx context.Context, cfg common.StorageConfig) (*S3Source, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, common.NewAppError("S3_INIT", "load aws config", err)
	}
	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return &S3Source{
		client:        s3.NewFromConfig(awsCfg, s3Opts...),
		defaultBucket: cfg.Bucket,
	}, nil
}

func (s *S3Source) Open(ctx context.Context, meta *repository.JobMetadata) (io.ReadCloser, error) {
	if meta == nil || meta.Key == "" {
		return nil, common.WrapError(common.ErrInvalidInput, "job has no object key")
	}
	bucket := meta.Bucket
	if bucket == "" {
		bucket = s.defaultBucket
	}
	if bucket == "" {
		return nil, common.WrapError(common.ErrInvalidInput, "no bucket configured for object storage")
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(meta.Key),
	})
	if err != nil {
		return nil, common.NewAppError("S3_GET", fmt.Sprintf("get s3://%s/%s", bucket, meta.Key), err)
	}
	return out.Body, nil
}

// Router picks a source per job based on its metadata.
type Router struct {
	local *LocalSource
	s3    *S3Source
}

func NewRouter(local *LocalSource, remote *S3Source) *Router {
	return &Router{local: local, s3: remote}
}

func (r *Router) Open(ctx context.Context, meta *repository.JobMetadata) (io.ReadCloser, error) {
	if meta != nil && meta.Storage == "s3" {
		if r.s3 == nil {
			return nil, common.WrapError(common.ErrInvalidInput, "object storage is not configured")
		}
		return r.s3.Open(ctx, meta)
	}
	return r.local.Open(ctx, meta)
}
