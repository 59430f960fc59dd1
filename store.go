package hoomi

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.pilab.hu/hoomi/config"
	"go.pilab.hu/hoomi/log"
	"go.pilab.hu/hoomi/storage"
	bboltstore "go.pilab.hu/hoomi/storage/bbolt"
	"go.pilab.hu/hoomi/storage/memory"
	mongostore "go.pilab.hu/hoomi/storage/mongo"
	redisstore "go.pilab.hu/hoomi/storage/redis"
)

type closingStore interface {
	storage.Store
	io.Closer
}

func openStore(ctx context.Context, cfg *config.Config, logger log.Logger) (storage.Store, io.Closer, error) {
	var (
		s   closingStore
		err error
	)
	switch cfg.StorageBackend {
	case config.BackendBBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.StoragePath), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create storage directory: %w", err)
		}
		s, err = bboltstore.Open(cfg.StoragePath, bboltstore.WithLogger(logger))
	case config.BackendRedis:
		s, err = redisstore.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	case config.BackendMongo:
		s, err = mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDBName, cfg.MongoCollection)
	case config.BackendMemory:
		s = memory.New()
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s storage: %w", cfg.StorageBackend, err)
	}

	logger.Debug(ctx, "storage opened", log.Fields{"backend": cfg.StorageBackend})
	return s, s, nil
}
