package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"

	"github.com/maauso/subpipe/internal/fault"
)

// checksumMetadataKey is the object metadata key carrying the content hash
// used for idempotent uploads.
const checksumMetadataKey = "content-sha256"

// Default retry and timeout policy for object-store operations.
const (
	defaultOpTimeout       = 5 * time.Minute
	defaultInitialInterval = 1 * time.Second
	defaultMaxInterval     = 30 * time.Second
	defaultMaxTries        = 5
)

// s3API is the subset of the S3 client the adapter uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Config holds the configuration for the S3 store.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for custom S3-compatible endpoints
	AccessKeyID     string // Optional: AWS access key ID
	SecretAccessKey string // Optional: AWS secret access key
}

// S3Store implements Store against an S3 bucket.
type S3Store struct {
	client          s3API
	bucket          string
	region          string
	opTimeout       time.Duration
	maxTries        uint
	initialInterval time.Duration
	maxInterval     time.Duration
}

// Compile-time check that S3Store implements Store.
var _ Store = (*S3Store)(nil)

// NewS3Store creates a new S3Store instance.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	var configOpts []func(*awsconfig.LoadOptions) error
	configOpts = append(configOpts, awsconfig.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Store{
		client:          s3.NewFromConfig(awsCfg, clientOpts...),
		bucket:          cfg.Bucket,
		region:          cfg.Region,
		opTimeout:       defaultOpTimeout,
		maxTries:        defaultMaxTries,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
	}, nil
}

// objectKey joins namespace and key into the full object name.
func objectKey(namespace, key string) string {
	return namespace + "/" + key
}

// Put uploads localPath to namespace/key. When the blob already exists with
// the same content hash the upload is skipped.
func (s *S3Store) Put(ctx context.Context, namespace, key, localPath string) (string, error) {
	sum, err := fileChecksum(localPath)
	if err != nil {
		return "", fmt.Errorf("checksum %s: %w", localPath, err)
	}

	full := objectKey(namespace, key)

	return s.retry(ctx, "put "+full, func(ctx context.Context) (string, error) {
		head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(full),
		})
		if err == nil && head.Metadata[checksumMetadataKey] == sum {
			return s.remoteRef(full), nil
		}
		if err != nil && !isNotFound(err) {
			return "", err
		}

		f, err := os.Open(localPath) // #nosec G304 - path is scratch-derived
		if err != nil {
			return "", backoff.Permanent(err)
		}
		defer func() { _ = f.Close() }()

		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(full),
			Body:     f,
			Metadata: map[string]string{checksumMetadataKey: sum},
		})
		if err != nil {
			return "", err
		}
		return s.remoteRef(full), nil
	})
}

// Exists reports whether a blob is present at namespace/key.
func (s *S3Store) Exists(ctx context.Context, namespace, key string) (bool, error) {
	full := objectKey(namespace, key)

	found, err := retryOp(ctx, s, "head "+full, func(ctx context.Context) (bool, error) {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(full),
		})
		if isNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	})
	return found, err
}

// DeletePrefix removes every blob under the namespace. Partitioned
// namespaces make this safe per job.
func (s *S3Store) DeletePrefix(ctx context.Context, namespace string) error {
	prefix := namespace + "/"

	_, err := retryOp(ctx, s, "delete prefix "+prefix, func(ctx context.Context) (struct{}, error) {
		var continuation *string
		for {
			page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.bucket),
				Prefix:            aws.String(prefix),
				ContinuationToken: continuation,
			})
			if err != nil {
				return struct{}{}, err
			}
			if len(page.Contents) > 0 {
				ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
				for _, obj := range page.Contents {
					ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
				}
				if _, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
					Bucket: aws.String(s.bucket),
					Delete: &types.Delete{Objects: ids},
				}); err != nil {
					return struct{}{}, err
				}
			}
			if page.IsTruncated == nil || !*page.IsTruncated {
				return struct{}{}, nil
			}
			continuation = page.NextContinuationToken
		}
	})
	return err
}

// remoteRef builds the opaque remote reference handed to the model adapter.
func (s *S3Store) remoteRef(fullKey string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, fullKey)
}

// retryOp runs op under the per-operation timeout with capped exponential
// backoff. Auth faults abort immediately; everything else is treated as
// transient up to the try budget and then surfaced as TransientIO.
func retryOp[T any](ctx context.Context, s *S3Store, label string, op func(context.Context) (T, error)) (T, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialInterval
	b.Multiplier = 2
	b.MaxInterval = s.maxInterval

	result, err := backoff.Retry(opCtx, func() (T, error) {
		v, err := op(opCtx)
		if err != nil && isAuthFault(err) {
			return v, backoff.Permanent(fault.Wrap(fault.KindAuthFault, "blob", label, err))
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.maxTries))

	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return result, err
		}
		return result, fault.Wrap(fault.KindTransientIO, "blob", label, err)
	}
	return result, nil
}

// retry is a method wrapper so call sites read naturally.
func (s *S3Store) retry(ctx context.Context, label string, op func(context.Context) (string, error)) (string, error) {
	return retryOp(ctx, s, label, op)
}

// isNotFound reports whether err is an S3 404.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}

// isAuthFault reports whether err is a credential or permission failure that
// retrying cannot fix.
func isAuthFault(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
		"ExpiredToken", "TokenRefreshRequired", "UnauthorizedAccess":
		return true
	}
	return false
}

// fileChecksum returns the hex SHA-256 of a file's contents.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 - path is scratch-derived
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
