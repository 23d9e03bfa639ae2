package cache

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// StoreOptions selects and configures the persisted tile tier.
type StoreOptions struct {
	Type            string // file, redis, gcs or disabled
	Dir             string
	Redis           RedisConfig
	GCSBucket       string
	GCSPrefix       string
	CredentialsFile string
}

// NewStore creates a persisted tile store based on the store type
func NewStore(ctx context.Context, opts StoreOptions, log *zap.Logger) (Store, error) {
	switch opts.Type {
	case "file":
		log.Info("Using file tile store", zap.String("cache_dir", opts.Dir))
		return NewFileStore(opts.Dir)
	case "redis":
		log.Info("Using redis tile store",
			zap.String("redis_address", opts.Redis.Addr),
			zap.Duration("ttl", opts.Redis.TTL))
		return NewRedisStore(ctx, opts.Redis, log)
	case "gcs":
		log.Info("Using GCS tile store",
			zap.String("bucket", opts.GCSBucket),
			zap.String("prefix", opts.GCSPrefix))
		var clientOpts []option.ClientOption
		if opts.CredentialsFile != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
		}
		client, err := storage.NewClient(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCS client: %w", err)
		}
		return NewGCSStore(NewGCSClientAdapter(client), opts.GCSBucket, opts.GCSPrefix)
	case "disabled", "":
		log.Info("Tile store disabled")
		return NewNoopStore(), nil
	default:
		return nil, fmt.Errorf("unknown tile store type: %s (supported: file, redis, gcs, disabled)", opts.Type)
	}
}
