// Package storage keeps uploaded source archives that passed the security
// scan until the build system fetches them.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// ObjectAPI is the subset of the S3 client used by SourceStore.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Presigner issues time-limited GET URLs.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// NewS3Client returns an S3 client. An empty endpoint uses AWS; a custom
// endpoint (MinIO, Ceph RGW) is addressed path-style.
func NewS3Client(endpoint, region, accessKey, secretKey string) *s3.Client {
	opts := s3.Options{Region: region}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}
	if accessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
	}
	return s3.New(opts)
}

type SourceStore struct {
	logger    zerolog.Logger
	client    ObjectAPI
	presigner Presigner
	bucket    string
}

func NewSourceStore(logger zerolog.Logger, client *s3.Client, bucket string) *SourceStore {
	return newSourceStore(logger, client, s3.NewPresignClient(client), bucket)
}

func newSourceStore(logger zerolog.Logger, client ObjectAPI, presigner Presigner, bucket string) *SourceStore {
	return &SourceStore{
		logger:    logger.With().Str("component", "source-store").Logger(),
		client:    client,
		presigner: presigner,
		bucket:    bucket,
	}
}

func sourceKey(appID string) string {
	return "sources/" + appID + ".zip"
}

// PutArchive stores the archive for appID and returns its source reference,
// e.g. s3://app-sources/sources/<app_id>.zip.
func (s *SourceStore) PutArchive(ctx context.Context, appID string, data []byte) (string, error) {
	key := sourceKey(appID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("put source archive %s: %w", appID, err)
	}

	s.logger.Debug().Str("app_id", appID).Int("bytes", len(data)).Msg("stored source archive")
	return "s3://" + s.bucket + "/" + key, nil
}

// PresignGet returns a URL the build system can fetch ref from until ttl
// elapses.
func (s *SourceStore) PresignGet(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	bucket, key, err := ParseRef(ref)
	if err != nil {
		return "", err
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) { o.Expires = ttl })
	if err != nil {
		return "", fmt.Errorf("presign source archive %s: %w", ref, err)
	}
	return req.URL, nil
}

// Delete removes the archive behind ref.
func (s *SourceStore) Delete(ctx context.Context, ref string) error {
	bucket, key, err := ParseRef(ref)
	if err != nil {
		return err
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete source archive %s: %w", ref, err)
	}
	return nil
}

// ParseRef splits an s3://bucket/key reference.
func ParseRef(ref string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(ref, "s3://")
	if !ok {
		return "", "", fmt.Errorf("invalid source ref %q", ref)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid source ref %q", ref)
	}
	return bucket, key, nil
}
