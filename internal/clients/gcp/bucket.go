package gcp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

type SnapshotBucketConfig struct {
	Bucket  string
	Prefix  string
	Timeout time.Duration
	Options []option.ClientOption
}

// SnapshotBucket stores retry queue snapshots as JSON objects. It satisfies
// retry.SnapshotWriter.
type SnapshotBucket struct {
	log     *logger.Logger
	client  *storage.Client
	bucket  string
	prefix  string
	timeout time.Duration
}

func NewSnapshotBucket(ctx context.Context, log *logger.Logger, cfg SnapshotBucketConfig) (*SnapshotBucket, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("missing RETRY_SNAPSHOT_BUCKET")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	opts := append([]option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}, cfg.Options...)
	stClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &SnapshotBucket{
		log:     log.With("client", "SnapshotBucket"),
		client:  stClient,
		bucket:  strings.TrimSpace(cfg.Bucket),
		prefix:  strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		timeout: cfg.Timeout,
	}, nil
}

func (b *SnapshotBucket) key(name string) string {
	if b.prefix == "" {
		return name
	}
	return path.Join(b.prefix, name)
}

func (b *SnapshotBucket) WriteSnapshot(ctx context.Context, name string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	key := b.key(name)
	w := b.client.Bucket(b.bucket).Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	b.log.Info("Snapshot uploaded", "bucket", b.bucket, "key", key, "bytes", len(data))
	return nil
}

// ListSnapshots returns snapshot keys under the configured prefix, oldest
// first by name.
func (b *SnapshotBucket) ListSnapshots(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	q := &storage.Query{Prefix: b.key("retry-queue/")}
	it := b.client.Bucket(b.bucket).Objects(ctx, q)
	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (b *SnapshotBucket) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
