package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"go.uber.org/zap"
)

// SnapshotArchive is the store side of cold archival: list the rows past
// retention, delete them once the upload is confirmed. Satisfied by
// *storage.DB.
type SnapshotArchive interface {
	ListSnapshotsBefore(ctx context.Context, cutoff time.Time) ([]types.PortfolioSnapshot, error)
	DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ArchiverConfig configures the optional S3 archival sink. NewArchiver
// rejects an empty Bucket; without an Archiver the snapshot table just grows.
type ArchiverConfig struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Retention time.Duration
}

// Archiver moves portfolio snapshots older than the retention window into
// object storage. It is strictly a sink: the database row is deleted only
// after a confirmed upload, and nothing ever reads archived snapshots back
// into live state.
type Archiver struct {
	logger *zap.Logger
	store  SnapshotArchive
	config ArchiverConfig
	client *s3.Client
}

// NewArchiver builds an Archiver. Static credentials are used when provided
// (self-hosted object stores); otherwise the SDK's default chain applies.
func NewArchiver(ctx context.Context, logger *zap.Logger, store SnapshotArchive, cfg ArchiverConfig) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archiver: bucket is required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archiver: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
			o.UsePathStyle = true
		}
	})
	return &Archiver{logger: logger, store: store, config: cfg, client: client}, nil
}

// ArchiveExpired uploads every snapshot past retention as one JSON object
// per run, keyed by the run timestamp, then deletes the archived rows.
func (a *Archiver) ArchiveExpired(ctx context.Context) error {
	cutoff := time.Now().Add(-a.config.Retention)
	snapshots, err := a.store.ListSnapshotsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiver: list expired: %w", err)
	}
	if len(snapshots) == 0 {
		return nil
	}

	blob, err := json.Marshal(snapshots)
	if err != nil {
		return fmt.Errorf("archiver: marshal batch: %w", err)
	}
	key := fmt.Sprintf("%ssnapshots/%s.json", a.config.Prefix, time.Now().UTC().Format("2006-01-02T15-04-05"))
	contentType := "application/json"
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.config.Bucket,
		Key:         &key,
		Body:        bytes.NewReader(blob),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("archiver: upload %s: %w", key, err)
	}

	deleted, err := a.store.DeleteSnapshotsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiver: prune after upload: %w", err)
	}
	a.logger.Info("archiver: snapshots archived",
		zap.Int("uploaded", len(snapshots)), zap.Int64("pruned", deleted), zap.String("key", key))
	return nil
}
