// Package s3 implements the remote blob backend on an S3-compatible object
// store.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/mailroom-io/mailroom/blob"
)

// DefaultCallTimeout bounds each object store call so a stalled remote
// cannot hold an ingestion tick past its lock TTL.
const DefaultCallTimeout = 30 * time.Second

type (
	// Options configures the S3 store.
	Options struct {
		// Client is the configured S3 client. Required.
		Client *awss3.Client
		// Bucket is the target bucket. Required.
		Bucket string
		// CallTimeout caps each call. Zero uses DefaultCallTimeout.
		CallTimeout time.Duration
	}

	store struct {
		client  *awss3.Client
		presign *awss3.PresignClient
		bucket  string
		timeout time.Duration
	}
)

// New constructs an S3-backed blob store.
func New(opts Options) (blob.Store, error) {
	if opts.Client == nil {
		return nil, errors.New("s3 client is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &store{
		client:  opts.Client,
		presign: awss3.NewPresignClient(opts.Client),
		bucket:  opts.Bucket,
		timeout: timeout,
	}, nil
}

func (s *store) Backend() blob.Backend { return blob.BackendS3 }

func (s *store) Put(ctx context.Context, key string, data []byte, mediaType string) (blob.StoragePointer, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mediaType),
	})
	if err != nil {
		return blob.StoragePointer{}, fmt.Errorf("s3 put %s: %w", key, err)
	}
	return blob.StoragePointer{Backend: blob.BackendS3, Key: key}, nil
}

func (s *store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("s3 get %s: %w", key, blob.ErrNotFound)
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: read body: %w", key, err)
	}
	return data, nil
}

func (s *store) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("s3 delete %s: head: %w", key, err)
	}
	if _, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return false, fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return true, nil
}

func (s *store) SignedURL(ctx context.Context, key string, ttl time.Duration, method blob.Method) (string, error) {
	switch method {
	case blob.MethodGet, "":
		req, err := s.presign.PresignGetObject(ctx, &awss3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}, awss3.WithPresignExpires(ttl))
		if err != nil {
			return "", fmt.Errorf("s3 signed url %s: %w", key, err)
		}
		return req.URL, nil
	case blob.MethodPut:
		req, err := s.presign.PresignPutObject(ctx, &awss3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}, awss3.WithPresignExpires(ttl))
		if err != nil {
			return "", fmt.Errorf("s3 signed url %s: %w", key, err)
		}
		return req.URL, nil
	default:
		return "", fmt.Errorf("s3 signed url %s: unsupported method %q", key, method)
	}
}
