package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/ruteri/leasestore/blockingio"
	"github.com/ruteri/leasestore/interfaces"
	"github.com/ruteri/leasestore/keys"
	"github.com/ruteri/leasestore/locking"
)

// S3API is the subset of the S3 client used by S3Backend.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Options configures NewS3Backend.
type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool

	// Consistency selects how lock markers are written. StrongConsistency
	// requires a store that honours If-None-Match and If-Match on writes.
	Consistency locking.Consistency
}

// S3Backend implements a storage backend using Amazon S3 or compatible
// services. A key maps to the object {prefix}{key}; lock markers live under
// the reserved {prefix}.leasestore/locks/ namespace and never show up in
// listings.
type S3Backend struct {
	lockable

	client      S3API
	bucket      string
	prefix      string
	consistency locking.Consistency
	exec        *blockingio.Executor
	log         *slog.Logger
	locationURI string
}

// NewS3Backend creates an S3 backend, resolving credentials through the
// default AWS chain unless a static key pair is given.
func NewS3Backend(ctx context.Context, opts S3Options, exec *blockingio.Executor, log *slog.Logger) (*S3Backend, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", interfaces.ErrConfiguration)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load AWS config: %v", interfaces.ErrConfiguration, err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})

	return NewS3BackendWithClient(client, opts, exec, log)
}

// NewS3BackendWithClient creates an S3 backend over an existing client.
func NewS3BackendWithClient(client S3API, opts S3Options, exec *blockingio.Executor, log *slog.Logger) (*S3Backend, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", interfaces.ErrConfiguration)
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", interfaces.ErrConfiguration)
	}
	prefix, err := keys.CanonicalPrefix(opts.Prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: s3 prefix: %v", interfaces.ErrConfiguration, err)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if exec == nil {
		exec = blockingio.NewExecutor(0)
	}

	return &S3Backend{
		client:      client,
		bucket:      opts.Bucket,
		prefix:      prefix,
		consistency: opts.Consistency,
		exec:        exec,
		log:         log,
		locationURI: s3LocationURI(opts, prefix),
	}, nil
}

func s3LocationURI(opts S3Options, prefix string) string {
	uri := fmt.Sprintf("s3://%s/%s", opts.Bucket, prefix)
	if opts.AccessKey != "" {
		uri = fmt.Sprintf("s3://%s:***@%s/%s", opts.AccessKey, opts.Bucket, prefix)
	}
	query := url.Values{}
	if opts.Region != "" {
		query.Set("region", opts.Region)
	}
	if opts.Endpoint != "" {
		query.Set("endpoint", opts.Endpoint)
	}
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}
	return uri
}

// Read implements interfaces.StorageBackend.
func (b *S3Backend) Read(ctx context.Context, key string) ([]byte, error) {
	objectKey, err := b.objectKey(key)
	if err != nil {
		return nil, err
	}
	data, _, err := b.getObject(ctx, objectKey)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *S3Backend) getObject(ctx context.Context, objectKey string) ([]byte, string, error) {
	start := time.Now()

	type object struct {
		data []byte
		etag string
	}
	obj, err := blockingio.Call(ctx, b.exec, func() (object, error) {
		result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			return object{}, err
		}
		defer result.Body.Close()

		data, err := io.ReadAll(result.Body)
		if err != nil {
			return object{}, fmt.Errorf("failed to read object body: %w", err)
		}
		return object{data: data, etag: aws.ToString(result.ETag)}, nil
	})
	if err != nil {
		if isS3NotFound(err) {
			b.log.Debug("Object not found in S3",
				slog.String("bucket", b.bucket),
				slog.String("key", objectKey),
				slog.Duration("duration", time.Since(start)))
			return nil, "", fmt.Errorf("%w: %s", interfaces.ErrNotFound, objectKey)
		}
		return nil, "", b.ioError("get", objectKey, start, err)
	}

	b.log.Debug("Fetched object from S3",
		slog.String("bucket", b.bucket),
		slog.String("key", objectKey),
		slog.Int("size", len(obj.data)),
		slog.Duration("duration", time.Since(start)))
	return obj.data, obj.etag, nil
}

// Write implements interfaces.StorageBackend as a single object put.
func (b *S3Backend) Write(ctx context.Context, key string, data []byte, contentType string) error {
	objectKey, err := b.objectKey(key)
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	_, err = b.putObject(ctx, input)
	return err
}

func (b *S3Backend) putObject(ctx context.Context, input *s3.PutObjectInput) (string, error) {
	start := time.Now()
	objectKey := aws.ToString(input.Key)

	etag, err := blockingio.Call(ctx, b.exec, func() (string, error) {
		result, err := b.client.PutObject(ctx, input)
		if err != nil {
			return "", err
		}
		return aws.ToString(result.ETag), nil
	})
	if err != nil {
		// If-Match against a missing object answers 404
		if isS3PreconditionFailed(err) || (input.IfMatch != nil && isS3NotFound(err)) {
			return "", fmt.Errorf("%w: %s", interfaces.ErrPreconditionFailed, objectKey)
		}
		return "", b.ioError("put", objectKey, start, err)
	}

	b.log.Debug("Stored object in S3",
		slog.String("bucket", b.bucket),
		slog.String("key", objectKey),
		slog.Duration("duration", time.Since(start)))
	return etag, nil
}

// Exists implements interfaces.StorageBackend.
func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	objectKey, err := b.objectKey(key)
	if err != nil {
		return false, err
	}
	_, err = b.headObject(ctx, objectKey)
	if errors.Is(err, interfaces.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *S3Backend) headObject(ctx context.Context, objectKey string) (string, error) {
	start := time.Now()
	etag, err := blockingio.Call(ctx, b.exec, func() (string, error) {
		result, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			return "", err
		}
		return aws.ToString(result.ETag), nil
	})
	if err != nil {
		if isS3NotFound(err) {
			return "", fmt.Errorf("%w: %s", interfaces.ErrNotFound, objectKey)
		}
		return "", b.ioError("head", objectKey, start, err)
	}
	return etag, nil
}

// Delete implements interfaces.StorageBackend. S3 deletes are idempotent.
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	objectKey, err := b.objectKey(key)
	if err != nil {
		return err
	}
	return b.deleteObject(ctx, objectKey, "")
}

func (b *S3Backend) deleteObject(ctx context.Context, objectKey, ifMatch string) error {
	start := time.Now()
	input := &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
	}
	if ifMatch != "" {
		input.IfMatch = aws.String(ifMatch)
	}

	err := b.exec.Run(ctx, func() error {
		_, err := b.client.DeleteObject(ctx, input)
		return err
	})
	switch {
	case err == nil:
	case isS3NotFound(err):
	case isS3PreconditionFailed(err):
		return fmt.Errorf("%w: %s", interfaces.ErrPreconditionFailed, objectKey)
	default:
		return b.ioError("delete", objectKey, start, err)
	}

	b.log.Debug("Deleted object from S3",
		slog.String("bucket", b.bucket),
		slog.String("key", objectKey),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// ListKeys implements interfaces.StorageBackend using native prefix listing.
func (b *S3Backend) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	canonical, err := keys.CanonicalPrefix(prefix)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	listPrefix := b.prefix + canonical

	found, err := blockingio.Call(ctx, b.exec, func() ([]string, error) {
		var out []string
		paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(b.bucket),
			Prefix: aws.String(listPrefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			for _, obj := range page.Contents {
				key := strings.TrimPrefix(aws.ToString(obj.Key), b.prefix)
				if _, err := keys.Canonical(key); err != nil {
					// reserved markers and foreign objects are not keys
					continue
				}
				out = append(out, key)
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, b.ioError("list", listPrefix, start, err)
	}

	sort.Strings(found)
	b.log.Debug("Listed S3 keys",
		slog.String("bucket", b.bucket),
		slog.String("prefix", listPrefix),
		slog.Int("count", len(found)),
		slog.Duration("duration", time.Since(start)))
	return found, nil
}

// Name returns a unique identifier for this storage backend.
func (b *S3Backend) Name() string {
	return fmt.Sprintf("s3-%s", b.bucket)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *S3Backend) LocationURI() string {
	return b.locationURI
}

// GetMarker implements locking.MarkerStore.
func (b *S3Backend) GetMarker(ctx context.Context, resource string) ([]byte, string, error) {
	return b.getObject(ctx, b.markerKey(resource))
}

// PutMarkerIfAbsent implements locking.MarkerStore. On eventually consistent
// stores the absence check is a separate HEAD and races are settled by the
// lock's read-back.
func (b *S3Backend) PutMarkerIfAbsent(ctx context.Context, resource string, data []byte) (string, error) {
	markerKey := b.markerKey(resource)
	input := b.markerPut(markerKey, data)

	if b.consistency == locking.StrongConsistency {
		input.IfNoneMatch = aws.String("*")
		return b.putObject(ctx, input)
	}

	_, err := b.headObject(ctx, markerKey)
	if err == nil {
		return "", fmt.Errorf("%w: %s", interfaces.ErrPreconditionFailed, markerKey)
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return "", err
	}
	return b.putObject(ctx, input)
}

// ReplaceMarker implements locking.MarkerStore.
func (b *S3Backend) ReplaceMarker(ctx context.Context, resource string, data []byte, version string) (string, error) {
	markerKey := b.markerKey(resource)
	input := b.markerPut(markerKey, data)

	if b.consistency == locking.StrongConsistency {
		input.IfMatch = aws.String(version)
		return b.putObject(ctx, input)
	}

	if err := b.checkMarkerVersion(ctx, markerKey, version); err != nil {
		return "", err
	}
	return b.putObject(ctx, input)
}

// DeleteMarker implements locking.MarkerStore.
func (b *S3Backend) DeleteMarker(ctx context.Context, resource, version string) error {
	markerKey := b.markerKey(resource)
	if b.consistency == locking.StrongConsistency {
		return b.deleteObject(ctx, markerKey, version)
	}

	err := b.checkMarkerVersion(ctx, markerKey, version)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return b.deleteObject(ctx, markerKey, "")
}

// MarkerConsistency implements locking.MarkerStore.
func (b *S3Backend) MarkerConsistency() locking.Consistency {
	return b.consistency
}

func (b *S3Backend) checkMarkerVersion(ctx context.Context, markerKey, version string) error {
	current, err := b.headObject(ctx, markerKey)
	if err != nil {
		return err
	}
	if current != version {
		return fmt.Errorf("%w: %s", interfaces.ErrPreconditionFailed, markerKey)
	}
	return nil
}

func (b *S3Backend) markerPut(markerKey string, data []byte) *s3.PutObjectInput {
	return &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(markerKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
}

func (b *S3Backend) markerKey(resource string) string {
	return b.prefix + keys.ReservedSegmentPrefix + "/locks/" + url.PathEscape(resource)
}

func (b *S3Backend) objectKey(key string) (string, error) {
	canonical, err := keys.Canonical(key)
	if err != nil {
		return "", err
	}
	return b.prefix + canonical, nil
}

func (b *S3Backend) ioError(op, objectKey string, start time.Time, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	b.log.Error("S3 operation failed",
		slog.String("op", op),
		slog.String("bucket", b.bucket),
		slog.String("key", objectKey),
		"err", err,
		slog.Duration("duration", time.Since(start)))
	return fmt.Errorf("%w: s3 %s %s: %v", interfaces.ErrIO, op, objectKey, err)
}

func s3ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isS3NotFound(err error) bool {
	switch s3ErrorCode(err) {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}

func isS3PreconditionFailed(err error) bool {
	switch s3ErrorCode(err) {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}
