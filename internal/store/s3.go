package store

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
)

const updatedAtMeta = "updated-at"

// S3API is the subset of *s3.Client used by S3.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config configures an S3 client. Endpoint is only needed for
// S3-compatible services and switches to path-style addressing.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3 stores one object per document under Prefix.
type S3 struct {
	client S3API
	bucket string
	prefix string
}

// NewS3 returns an S3 store using client.
func NewS3(client S3API, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

// OpenS3 builds an S3 client from cfg.
func OpenS3(cfg S3Config) *S3 {
	opts := s3.Options{Region: cfg.Region}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	if cfg.AccessKey != "" {
		creds := aws.Credentials{AccessKeyID: cfg.AccessKey, SecretAccessKey: cfg.SecretKey, Source: "collabtext"}
		opts.Credentials = aws.NewCredentialsCache(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) { return creds, nil },
		))
	}
	return NewS3(s3.New(opts), cfg.Bucket, cfg.Prefix)
}

func (s *S3) key(documentID string) *string {
	return aws.String(s.prefix + documentID)
}

func (s *S3) Load(ctx context.Context, documentID string) (*Record, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(documentID),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "s3 get object failed")
	}
	defer out.Body.Close()
	state, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read s3 object failed")
	}
	rec := &Record{State: state}
	if ts, err := time.Parse(time.RFC3339Nano, out.Metadata[updatedAtMeta]); err == nil {
		rec.UpdatedAt = ts
	} else if out.LastModified != nil {
		rec.UpdatedAt = *out.LastModified
	}
	return rec, nil
}

func (s *S3) Save(ctx context.Context, documentID string, state []byte, updatedAt time.Time) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         s.key(documentID),
		Body:        bytes.NewReader(state),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    map[string]string{updatedAtMeta: updatedAt.UTC().Format(time.RFC3339Nano)},
	})
	return errors.Wrap(err, "s3 put object failed")
}

func (s *S3) Close() error {
	return nil
}
