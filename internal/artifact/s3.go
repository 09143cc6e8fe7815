package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Client is the subset of the S3 API used by [S3]. [s3.Client] satisfies
// it.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 fetches artifacts from a bucket that mirrors hub repositories. Objects
// live at <prefix>/<repo>/<filename>.
type S3 struct {
	dir    string
	client S3Client
	bucket string
	prefix string
}

// NewS3 returns an S3 fetcher storing files under dir.
func NewS3(dir string, client S3Client, bucket, prefix string) *S3 {
	return &S3{dir: dir, client: client, bucket: bucket, prefix: prefix}
}

// S3Config describes how to reach the mirror bucket.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // optional, for S3-compatible stores
}

// NewS3FromConfig builds an S3 fetcher using the default AWS credential
// chain.
func NewS3FromConfig(ctx context.Context, dir string, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("artifact: s3 bucket is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("artifact: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3(dir, client, cfg.Bucket, cfg.Prefix), nil
}

// Fetch implements [Fetcher].
func (s *S3) Fetch(ctx context.Context, repo, filename string) (string, error) {
	dest, err := localPath(s.dir, repo, filename)
	if err != nil {
		return "", err
	}
	if exists(dest) {
		return dest, nil
	}

	key := path.Join(s.prefix, repo, filename)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return "", fmt.Errorf("%w: s3://%s/%s", ErrNotFound, s.bucket, key)
		}
		return "", fmt.Errorf("artifact: get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	if err := store(dest, out.Body, "s3://"+s.bucket+"/"+key); err != nil {
		return "", err
	}
	return dest, nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

var _ Fetcher = (*S3)(nil)
