package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oszuidwest/zwfm-speechgate/internal/segment"
	"github.com/oszuidwest/zwfm-speechgate/internal/util"
)

const (
	// s3TestTimeout bounds the connection test.
	s3TestTimeout = 30000 * time.Millisecond
	// s3CleanupTimeout bounds one retention pass over the bucket.
	s3CleanupTimeout = 5 * time.Minute
	// defaultS3Prefix is the key prefix used when none is configured.
	defaultS3Prefix = "segments"
)

// S3Config contains S3-compatible storage settings.
type S3Config struct {
	Endpoint        string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"omitempty,url"`
	Bucket          string `json:"bucket" yaml:"bucket"`
	Region          string `json:"region,omitempty" yaml:"region,omitempty"`
	Prefix          string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"` //nolint:gosec // Configuration field
	RetentionDays   int    `json:"retention_days,omitempty" yaml:"retention_days,omitempty" validate:"gte=0"`
}

// IsConfigured reports whether bucket and credentials are set.
func (c *S3Config) IsConfigured() bool {
	return c != nil && util.IsConfigured(c.Bucket, c.AccessKeyID, c.SecretAccessKey)
}

// keyPrefix returns the configured prefix without surrounding slashes.
func (c *S3Config) keyPrefix() string {
	if p := strings.Trim(c.Prefix, "/"); p != "" {
		return p
	}
	return defaultS3Prefix
}

// objectStore is the subset of the S3 API used by the sink.
type objectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// createS3Client creates an S3 client with the given configuration.
func createS3Client(cfg *S3Config) *s3.Client {
	creds := credentials.NewStaticCredentialsProvider(
		cfg.AccessKeyID,
		cfg.SecretAccessKey,
		"",
	)

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = region
		},
	}

	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return s3.New(s3.Options{}, options...)
}

// TestS3Connection tests connectivity to an S3 bucket by uploading and deleting a test file.
func TestS3Connection(ctx context.Context, cfg *S3Config) error {
	if !cfg.IsConfigured() {
		return fmt.Errorf("S3 is not configured")
	}
	return testConnection(ctx, createS3Client(cfg), cfg)
}

func testConnection(ctx context.Context, client objectStore, cfg *S3Config) error {
	ctx, cancel := context.WithTimeout(ctx, s3TestTimeout)
	defer cancel()

	testKey := path.Join(cfg.keyPrefix(), fmt.Sprintf("test-connection-%d.txt", time.Now().UnixNano()))
	testContent := []byte("speechgate connection test")

	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(cfg.Bucket),
		Key:           aws.String(testKey),
		Body:          bytes.NewReader(testContent),
		ContentLength: aws.Int64(int64(len(testContent))),
	})
	if err != nil {
		return fmt.Errorf("upload test file: %w", err)
	}

	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(testKey),
	})
	if err != nil {
		slog.Warn("failed to delete test file", "key", testKey, "error", err)
	}

	return nil
}

// S3Sink uploads each segment as a WAV object.
type S3Sink struct {
	cfg    S3Config
	client objectStore

	lastCleanup time.Time
}

// NewS3Sink returns a sink uploading to the configured bucket.
func NewS3Sink(cfg S3Config) (*S3Sink, error) {
	if !cfg.IsConfigured() {
		return nil, fmt.Errorf("S3 is not configured")
	}
	return &S3Sink{cfg: cfg, client: createS3Client(&cfg)}, nil
}

// ObjectKey returns the key for seg: "<prefix>/<date>/<file>.wav".
func (s *S3Sink) ObjectKey(seg *segment.Segment) string {
	return path.Join(s.cfg.keyPrefix(), seg.CreatedAt.UTC().Format(time.DateOnly), SegmentFilename("", seg))
}

// Write implements Sink.
func (s *S3Sink) Write(ctx context.Context, seg *segment.Segment) error {
	data, err := EncodeWAV(seg)
	if err != nil {
		return err
	}

	key := s.ObjectKey(seg)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("audio/wav"),
		Metadata: map[string]string{
			"segment-id":  seg.ID,
			"duration-ms": fmt.Sprint(seg.Duration().Milliseconds()),
		},
	})
	if err != nil {
		return util.WrapError("upload segment", err)
	}
	slog.Info("segment uploaded", "id", seg.ID, "bucket", s.cfg.Bucket, "key", key)

	if s.cfg.RetentionDays > 0 && time.Since(s.lastCleanup) >= cleanupInterval {
		s.lastCleanup = time.Now()
		s.Cleanup(ctx, time.Now())
	}
	return nil
}

// Cleanup removes objects under the prefix older than the retention period
// and returns how many were deleted.
func (s *S3Sink) Cleanup(ctx context.Context, now time.Time) int {
	if s.cfg.RetentionDays == 0 {
		return 0
	}
	cutoff := now.AddDate(0, 0, -s.cfg.RetentionDays)

	ctx, cancel := context.WithTimeoutCause(ctx, s3CleanupTimeout, errors.New("s3 cleanup timeout"))
	defer cancel()

	var deleted int
	var continuationToken *string

	for {
		input := &s3.ListObjectsV2Input{
			Bucket: aws.String(s.cfg.Bucket),
			Prefix: aws.String(s.cfg.keyPrefix() + "/"),
		}
		if continuationToken != nil {
			input.ContinuationToken = continuationToken
		}

		output, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			slog.Warn("cleanup: failed to list S3 objects", "bucket", s.cfg.Bucket, "error", err)
			return deleted
		}

		for _, obj := range output.Contents {
			key := aws.ToString(obj.Key)
			fileDate, ok := extractDateFromFilename(path.Base(key))
			if !ok || !fileDate.Before(cutoff) {
				continue
			}
			_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.cfg.Bucket),
				Key:    obj.Key,
			})
			if err != nil {
				slog.Warn("cleanup: failed to delete S3 object", "key", key, "error", err)
				continue
			}
			deleted++
			slog.Debug("cleanup: deleted S3 object", "key", key)
		}

		if !aws.ToBool(output.IsTruncated) {
			break
		}
		continuationToken = output.NextContinuationToken
	}

	if deleted > 0 {
		slog.Info("cleanup: deleted S3 objects", "count", deleted)
	}
	return deleted
}

// Close implements Sink.
func (s *S3Sink) Close() error { return nil }
