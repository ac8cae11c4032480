// Package artifact persists generated files and hands out URLs for retrieving them.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned for unknown or expired artifacts.
var ErrNotFound = errors.New("artifact not found")

// Artifact is a stored file.
type Artifact struct {
	ID          string
	ContentType string
	Data        []byte
}

// Store persists an artifact and returns the URL a client can fetch it from.
type Store interface {
	Put(ctx context.Context, contentType string, data []byte) (string, error)
}

// RedisStore keeps artifacts in Redis hashes that expire after a TTL.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	baseURL string
}

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	// Prefix is the key prefix (default: "conductor:artifact:").
	Prefix string
	// TTL bounds how long an artifact can be fetched (default: 24h).
	TTL time.Duration
	// BaseURL is prepended to "/artifacts/<id>" in returned URLs.
	BaseURL string
}

// NewRedisStore returns a store on an existing client.
func NewRedisStore(client *redis.Client, cfg RedisStoreConfig) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "conductor:artifact:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &RedisStore{
		client:  client,
		prefix:  cfg.Prefix,
		ttl:     cfg.TTL,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
	}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// URL returns the retrieval URL for an artifact id.
func (s *RedisStore) URL(id string) string {
	return s.baseURL + "/artifacts/" + id
}

// Put stores data under a fresh id.
func (s *RedisStore) Put(ctx context.Context, contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("artifact is empty")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	id := uuid.NewString()
	key := s.key(id)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "content_type", contentType, "data", data)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	return s.URL(id), nil
}

// Get loads an artifact by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*Artifact, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load artifact %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return &Artifact{
		ID:          id,
		ContentType: fields["content_type"],
		Data:        []byte(fields["data"]),
	}, nil
}
