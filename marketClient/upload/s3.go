package upload

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/onchain-market/market-node/marketClient/config"
	marketerrors "github.com/onchain-market/market-node/marketClient/errors"
)

// S3Uploader uploads deliverables to an S3-compatible bucket (AWS, R2, MinIO).
type S3Uploader struct {
	client     *s3.Client
	presign    *s3.PresignClient
	bucket     string
	publicBase string
	ttl        time.Duration
	logger     zerolog.Logger
}

// NewS3Uploader builds an uploader from cfg. Static credentials are used when
// both keys are set; otherwise the default AWS credential chain applies.
func NewS3Uploader(ctx context.Context, cfg config.UploadConfig, logger zerolog.Logger) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, marketerrors.NewConfigError("upload bucket not configured")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.AccessKeySecret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.AccessKeySecret, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load object storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		// R2 and MinIO reject the default streaming checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	publicBase := strings.TrimRight(cfg.PublicBaseURL, "/")
	if publicBase == "" {
		publicBase = defaultPublicBase(cfg)
	}

	return &S3Uploader{
		client:     client,
		presign:    s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		publicBase: publicBase,
		ttl:        cfg.PresignTTL(),
		logger:     logger.With().Str("component", "s3_uploader").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

// Upload puts file under a fresh key in the owner's prefix and returns its URL.
func (u *S3Uploader) Upload(ctx context.Context, file File, owner string, private bool) (Result, error) {
	if len(file.Data) == 0 {
		return Result{}, marketerrors.NewUploadError("file is empty", nil)
	}
	if len(file.Data) > MaxFileSize {
		return Result{}, marketerrors.NewUploadError(fmt.Sprintf("file is %d bytes, limit is %d", len(file.Data), MaxFileSize), nil)
	}

	key := objectKey(owner, file.Name)
	contentType := file.detectContentType()

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(file.Data),
		ContentLength: aws.Int64(int64(len(file.Data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return Result{}, marketerrors.NewUploadError("failed to put object "+key, err)
	}

	url := u.publicBase + "/" + key
	if private {
		presigned, err := u.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(u.bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(u.ttl))
		if err != nil {
			return Result{}, marketerrors.NewUploadError("failed to presign "+key, err)
		}
		url = presigned.URL
	}

	u.logger.Info().
		Str("key", key).
		Str("content_type", contentType).
		Int("size", len(file.Data)).
		Bool("private", private).
		Msg("deliverable uploaded")

	return Result{Key: key, URL: url}, nil
}

func objectKey(owner, name string) string {
	prefix := strings.ToLower(strings.TrimSpace(owner))
	if prefix == "" {
		prefix = "anonymous"
	}
	ext := strings.ToLower(filepath.Ext(name))
	return fmt.Sprintf("submissions/%s/%s%s", prefix, uuid.NewString(), ext)
}

func defaultPublicBase(cfg config.UploadConfig) string {
	if cfg.Endpoint != "" {
		return strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
}
