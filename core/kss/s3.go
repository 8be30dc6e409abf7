package kss

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/relabs-tech/bookstore/core/logger"
)

// S3Configuration contains the configuration of the AWS S3 driver. Without
// AccessID the default AWS credential chain is used.
type S3Configuration struct {
	AccessID      string
	AccessKey     string
	AWSBucketName string
	AWSRegion     string
	// KeyPrefix is prepended to all keys, so that several stores can share a bucket
	KeyPrefix string
}

// S3 stores the files in an S3 bucket. Clients up- and download directly from S3 with
// pre-signed URLs.
type S3 struct {
	client    *s3.Client
	presigner *s3.PresignClient
	uploader  *manager.Uploader
	bucket    string
	keyPrefix string
}

// NewS3 returns a new S3 driver
func NewS3(ctx context.Context, c S3Configuration) (*S3, error) {
	if c.AWSBucketName == "" {
		return nil, errors.New("AWSBucketName must not be empty")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(c.AWSRegion)}
	if c.AccessID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessID, c.AccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot load aws configuration: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	logger.Default().Debugf("kss: using bucket %s in %s", c.AWSBucketName, c.AWSRegion)
	return &S3{
		client:    client,
		presigner: s3.NewPresignClient(client),
		uploader:  manager.NewUploader(client),
		bucket:    c.AWSBucketName,
		keyPrefix: c.KeyPrefix,
	}, nil
}

func (s *S3) object(key string) *string {
	return aws.String(s.keyPrefix + key)
}

// GetPreSignedURL implements Driver
func (s *S3) GetPreSignedURL(ctx context.Context, method Method, key string, expireIn time.Duration) (string, error) {
	expires := s3.WithPresignExpires(expireIn)
	var (
		url string
		err error
	)
	switch method {
	case Get:
		req, perr := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: s.object(key)}, expires)
		if perr == nil {
			url = req.URL
		}
		err = perr
	case Put:
		req, perr := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{Bucket: &s.bucket, Key: s.object(key)}, expires)
		if perr == nil {
			url = req.URL
		}
		err = perr
	default:
		return "", fmt.Errorf("cannot presign %s requests", method)
	}
	if err != nil {
		return "", fmt.Errorf("cannot presign %s %s: %w", method, key, err)
	}
	return url, nil
}

// UploadData implements Driver. Large data is uploaded in parts.
func (s *S3) UploadData(ctx context.Context, key string, data []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    s.object(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("cannot upload %s: %w", key, err)
	}
	return nil
}

// Delete implements Driver. S3 does not complain about missing keys.
func (s *S3) Delete(ctx context.Context, key string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: s.object(key)}); err != nil {
		return fmt.Errorf("cannot delete %s: %w", key, err)
	}
	logger.FromContext(ctx).Debugln("kss: deleted", key)
	return nil
}

// forEachPage calls f with the full object keys below prefix, one listing page at a time
func (s *S3) forEachPage(ctx context.Context, prefix string, f func(objects []types.Object) error) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: s.object(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("cannot list %s in %s: %w", prefix, s.bucket, err)
		}
		if err = f(page.Contents); err != nil {
			return err
		}
	}
	return nil
}

// ListAllWithPrefix returns the keys starting with prefix, without the configured KeyPrefix
func (s *S3) ListAllWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.forEachPage(ctx, prefix, func(objects []types.Object) error {
		for _, o := range objects {
			keys = append(keys, strings.TrimPrefix(aws.ToString(o.Key), s.keyPrefix))
		}
		return nil
	})
	return keys, err
}

// DeleteAllWithPrefix implements Driver. A listing page holds at most 1000 objects, which
// is also the limit of a batch delete.
func (s *S3) DeleteAllWithPrefix(ctx context.Context, prefix string) error {
	deleted := 0
	err := s.forEachPage(ctx, prefix, func(objects []types.Object) error {
		if len(objects) == 0 {
			return nil
		}
		ids := make([]types.ObjectIdentifier, len(objects))
		for i, o := range objects {
			ids[i] = types.ObjectIdentifier{Key: o.Key}
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: &s.bucket,
			Delete: &types.Delete{Objects: ids},
		})
		if err != nil {
			return fmt.Errorf("cannot delete %s: %w", prefix, err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("cannot delete %s: %s", aws.ToString(first.Key), aws.ToString(first.Message))
		}
		deleted += len(out.Deleted)
		return nil
	})
	if err != nil {
		return err
	}
	logger.FromContext(ctx).Infof("kss: deleted %d keys with prefix %s", deleted, prefix)
	return nil
}
