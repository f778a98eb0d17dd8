package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/aminofox/hlsingest/pkg/logger"
)

// S3Config configures an S3Target.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// KeyPrefix namespaces every object this target writes under the bucket.
	KeyPrefix string
}

// S3Target mirrors playlists and segments to an S3-compatible bucket.
type S3Target struct {
	client *s3.Client
	cfg    S3Config
	log    logger.Logger
}

// NewS3Target constructs an S3Target, loading AWS credentials from the
// config's static keys if given, or the default credential chain otherwise.
func NewS3Target(ctx context.Context, cfg S3Config, log logger.Logger) (*S3Target, error) {
	if log == nil {
		log = logger.NewComponentLogger(logger.InfoLevel, "text", "mirror.s3")
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	opts := []func(*s3.Options){
		func(o *s3.Options) { o.UsePathStyle = true },
	}
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
	}

	return &S3Target{client: s3.NewFromConfig(awsCfg, opts...), cfg: cfg, log: log}, nil
}

func (t *S3Target) WritePlaylist(ctx context.Context, name string, data []byte) error {
	return t.put(ctx, name, data, "application/vnd.apple.mpegurl")
}

func (t *S3Target) WriteSegment(ctx context.Context, name string, data []byte) error {
	return t.put(ctx, name, data, "video/mp4")
}

func (t *S3Target) put(ctx context.Context, name string, data []byte, contentType string) error {
	key := t.key(name)
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("uploading %s to s3: %w", key, err)
	}
	t.log.Debug("mirrored object to s3", logger.String("bucket", t.cfg.Bucket), logger.String("key", key))
	return nil
}

// Exists reports whether name is already present in the bucket, so a
// caller can skip re-mirroring an unchanged segment. A not-found response
// is reported as (false, nil); any other failure is returned as an error.
func (t *S3Target) Exists(ctx context.Context, name string) (bool, error) {
	_, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.cfg.Bucket),
		Key:    aws.String(t.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking existence of %s in s3: %w", name, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound"
	}
	return false
}

func (t *S3Target) key(name string) string {
	name = strings.TrimPrefix(name, "/")
	if t.cfg.KeyPrefix == "" {
		return name
	}
	return strings.TrimSuffix(t.cfg.KeyPrefix, "/") + "/" + name
}
