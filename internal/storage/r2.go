package storage

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// metaSHA256 is the user metadata key carrying the hex digest.
const metaSHA256 = "sha256"

// R2Storage archives uploads in a Cloudflare R2 bucket through the S3 API.
type R2Storage struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// NewR2Storage builds the S3 client. The endpoint is derived from the
// account id unless cfg.Endpoint is set.
func NewR2Storage(cfg R2Config, logger *slog.Logger) (*R2Storage, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("r2: bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	endpoint := cfg.Endpoint
	pathStyle := endpoint != ""
	if endpoint == "" {
		if cfg.AccountID == "" {
			return nil, errors.New("r2: account id or endpoint is required")
		}
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	client := s3.NewFromConfig(aws.Config{
		Region:      region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	}, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = pathStyle
	})

	logger.Info("upload archive ready", "provider", ProviderR2, "bucket", cfg.BucketName, "endpoint", endpoint)
	return &R2Storage{client: client, bucket: cfg.BucketName, logger: logger}, nil
}

// Put sends the object with its SHA-256 so the bucket verifies the body,
// and with If-None-Match so an existing key is never replaced.
func (s *R2Storage) Put(ctx context.Context, key string, data io.ReadSeeker, opts PutOptions) (ObjectInfo, error) {
	const op = "put"

	if err := validateKey(key); err != nil {
		return ObjectInfo{}, &StorageError{Op: op, Key: key, Err: err}
	}
	sum, size, err := digest(data)
	if err != nil {
		return ObjectInfo{}, &StorageError{Op: op, Key: key, Err: err}
	}
	if opts.MaxSize > 0 && size > opts.MaxSize {
		return ObjectInfo{}, &StorageError{Op: op, Key: key, Err: ErrTooLarge}
	}
	raw, err := hex.DecodeString(sum)
	if err != nil {
		return ObjectInfo{}, &StorageError{Op: op, Key: key, Err: err}
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = CSVContentType
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:         aws.String(s.bucket),
		Key:            aws.String(key),
		Body:           data,
		ContentLength:  aws.Int64(size),
		ContentType:    aws.String(contentType),
		ChecksumSHA256: aws.String(base64.StdEncoding.EncodeToString(raw)),
		IfNoneMatch:    aws.String("*"),
		Metadata:       map[string]string{metaSHA256: sum},
	})
	if err != nil {
		return ObjectInfo{}, &StorageError{Op: op, Key: key, Err: classifyS3Error(err)}
	}

	s.logger.Debug("upload archived", "key", key, "size", size, "sha256", sum)
	return ObjectInfo{Key: key, Size: size, ContentType: contentType, SHA256: sum}, nil
}

func (s *R2Storage) Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, ObjectInfo{}, &StorageError{Op: "open", Key: key, Err: err}
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ObjectInfo{}, &StorageError{Op: "open", Key: key, Err: classifyS3Error(err)}
	}

	return out.Body, ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		SHA256:      out.Metadata[metaSHA256],
		ModTime:     aws.ToTime(out.LastModified),
	}, nil
}

// Delete succeeds for missing keys; S3 reports no error for them.
func (s *R2Storage) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return &StorageError{Op: "delete", Key: key, Err: classifyS3Error(err)}
	}
	s.logger.Debug("archived upload removed", "key", key)
	return nil
}

func (s *R2Storage) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, &StorageError{Op: "exists", Key: key, Err: err}
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if err = classifyS3Error(err); errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, &StorageError{Op: "exists", Key: key, Err: err}
}

// classifyS3Error maps SDK failures onto the package sentinels.
func classifyS3Error(err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return ErrNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return ErrNotFound
		case "PreconditionFailed":
			return ErrKeyExists
		case "AccessDenied", "Forbidden":
			return ErrAccessDenied
		case "EntityTooLarge":
			return ErrTooLarge
		}
	}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		switch status.HTTPStatusCode() {
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusPreconditionFailed:
			return ErrKeyExists
		case http.StatusForbidden:
			return ErrAccessDenied
		}
	}

	return fmt.Errorf("r2: %w", err)
}
