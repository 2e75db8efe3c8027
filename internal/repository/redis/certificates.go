// Package redis shares the leaf certificate cache between proxy instances.
package redis

import (
	"context"
	"fmt"

	"github.com/blackHATred/tapproxy/internal/entity"
	"github.com/blackHATred/tapproxy/internal/repository"
	"github.com/redis/go-redis/v9"
)

type certificateStore struct {
	client *redis.Client
}

func NewCertificateRepository(client *redis.Client) repository.Certificates {
	return &certificateStore{client: client}
}

func certKey(host string) string { return "cert:" + host }
func keyKey(host string) string  { return "key:" + host }

func (s *certificateStore) Load(ctx context.Context, host string) (entity.CertPair, error) {
	vals, err := s.client.MGet(ctx, certKey(host), keyKey(host)).Result()
	if err != nil {
		return entity.CertPair{}, fmt.Errorf("redis mget failed: %w", err)
	}
	cert, ok1 := vals[0].(string)
	key, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return entity.CertPair{}, repository.ErrNotFound
	}
	return entity.CertPair{Cert: []byte(cert), Key: []byte(key)}, nil
}

// Save stores both halves in one transaction so readers never see a
// certificate without its key.
func (s *certificateStore) Save(ctx context.Context, host string, pair entity.CertPair) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keyKey(host), pair.Key, 0)
		pipe.Set(ctx, certKey(host), pair.Cert, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}
