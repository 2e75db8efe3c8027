package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/blackHATred/tapproxy/internal/repository"
	fsRepo "github.com/blackHATred/tapproxy/internal/repository/fs"
	memoryRepo "github.com/blackHATred/tapproxy/internal/repository/memory"
	mongoRepo "github.com/blackHATred/tapproxy/internal/repository/mongo"
	redisRepo "github.com/blackHATred/tapproxy/internal/repository/redis"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// backends holds the storage picked by the configuration. Mongo and Redis
// are only dialed when something uses them.
type backends struct {
	certs   repository.Certificates
	history repository.History
	closers []func(context.Context) error
}

func openBackends(ctx context.Context, cfg Config, log *zap.SugaredLogger) (*backends, error) {
	b := &backends{}
	var db *mongo.Database
	if cfg.CertStore == "mongo" || cfg.History == "mongo" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect to MongoDB: %w", err)
		}
		b.closers = append(b.closers, client.Disconnect)
		if err := client.Ping(ctx, nil); err != nil {
			b.Close(ctx)
			return nil, fmt.Errorf("ping MongoDB: %w", err)
		}
		db = client.Database(cfg.MongoDB)
		log.Infow("connected to MongoDB", "db", cfg.MongoDB)
	}

	switch cfg.CertStore {
	case "fs":
		repo, err := fsRepo.NewCertificateRepository(cfg.CertDir)
		if err != nil {
			b.Close(ctx)
			return nil, err
		}
		b.certs = repo
	case "mongo":
		b.certs = mongoRepo.NewCertificateRepository(db)
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		b.closers = append(b.closers, func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			b.Close(ctx)
			return nil, fmt.Errorf("ping Redis: %w", err)
		}
		b.certs = redisRepo.NewCertificateRepository(rdb)
		log.Infow("connected to Redis", "addr", cfg.RedisAddr)
	}

	switch cfg.History {
	case "memory":
		b.history = memoryRepo.NewHistoryRepository(cfg.HistorySize)
	case "mongo":
		b.history = mongoRepo.NewHistoryRepository(db)
	}
	return b, nil
}

func (b *backends) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i](ctx))
	}
	return errors.Join(errs...)
}
