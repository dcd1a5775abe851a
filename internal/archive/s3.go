package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/skypro1111/meet-audio-relay/internal/config"
	"github.com/skypro1111/meet-audio-relay/internal/metrics"
	"github.com/skypro1111/meet-audio-relay/internal/upload"
)

// Uploader is the part of the S3 transfer manager the archive needs
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Archive copies uploaded chunks to an S3-compatible bucket
type Archive struct {
	bucket   string
	prefix   string
	uploader Uploader
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New builds an archive from the default AWS credential chain
func New(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger, m *metrics.Metrics) (*Archive, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, errors.New("s3 bucket and region are required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewWithUploader(cfg, manager.NewUploader(client), logger, m), nil
}

// NewWithUploader builds an archive on an existing uploader
func NewWithUploader(cfg config.ArchiveConfig, uploader Uploader, logger *slog.Logger, m *metrics.Metrics) *Archive {
	return &Archive{
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		uploader: uploader,
		logger:   logger,
		metrics:  m,
	}
}

// Key returns the object key of an entry
func (a *Archive) Key(e upload.Entry) string {
	return path.Join(a.prefix, e.MeetingID, e.ConnectionID, fmt.Sprintf("%06d.wav", e.Index))
}

// Store writes one chunk
func (a *Archive) Store(ctx context.Context, e upload.Entry) error {
	key := a.Key(e)
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(e.Payload),
		ContentType: aws.String(e.MimeType),
	})
	a.metrics.RecordArchive(err)
	if err != nil {
		a.logger.Warn("Failed to archive chunk",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to archive %s: %w", key, err)
	}

	a.logger.Debug("Chunk archived", slog.String("key", key), slog.Int("bytes", len(e.Payload)))
	return nil
}
