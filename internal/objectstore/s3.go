// Package objectstore keeps offloaded ping bodies in an S3-compatible
// bucket, keyed as <check-code>/<sequence-number>.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Enabled reports whether the configuration names a bucket to use.
func (c Config) Enabled() bool {
	return c.Bucket != ""
}

type S3 struct {
	client *s3.Client
	bucket string
}

func New(ctx context.Context, cfg Config) (*S3, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("object storage is not configured")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// Self-hosted S3 implementations rarely support virtual-host
			// addressing.
			o.UsePathStyle = true
		}
	})
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

func objectKey(checkCode string, n int64) string {
	return checkCode + "/" + strconv.FormatInt(n, 10)
}

func (s *S3) Put(ctx context.Context, checkCode string, n int64, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(checkCode, n)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", objectKey(checkCode, n), err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, checkCode string, n int64) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(checkCode, n)),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", objectKey(checkCode, n), err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

// Remove deletes the objects for the given sequence numbers in one call.
func (s *S3) Remove(ctx context.Context, checkCode string, ns []int64) error {
	if len(ns) == 0 {
		return nil
	}
	objects := make([]types.ObjectIdentifier, 0, len(ns))
	for _, n := range ns {
		objects = append(objects, types.ObjectIdentifier{
			Key: aws.String(objectKey(checkCode, n)),
		})
	}
	_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("delete %d objects under %s: %w", len(ns), checkCode, err)
	}
	return nil
}
