// Package session keeps the access-token revocation list in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revocation is stored per revoked token id until the token would have expired anyway.
type Revocation struct {
	UserID    string    `json:"user_id"`
	RevokedAt time.Time `json:"revoked_at"`
}

type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the server answers.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "revoked:",
	}
}

func (s *RedisStore) key(tokenID string) string {
	return s.prefix + tokenID
}

// RevokeAccessToken marks tokenID as unusable until expiresAt. Tokens that
// already expired need no entry.
func (s *RedisStore) RevokeAccessToken(ctx context.Context, tokenID, userID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(Revocation{UserID: userID, RevokedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal revocation: %w", err)
	}
	if err := s.client.Set(ctx, s.key(tokenID), data, ttl).Err(); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *RedisStore) IsAccessTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	_, err := s.client.Get(ctx, s.key(tokenID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup revocation: %w", err)
	}
	return true, nil
}

// LookupRevocation returns who revoked tokenID and when.
func (s *RedisStore) LookupRevocation(ctx context.Context, tokenID string) (Revocation, error) {
	raw, err := s.client.Get(ctx, s.key(tokenID)).Result()
	if errors.Is(err, redis.Nil) {
		return Revocation{}, fmt.Errorf("token %s is not revoked", tokenID)
	}
	if err != nil {
		return Revocation{}, fmt.Errorf("lookup revocation: %w", err)
	}
	var data Revocation
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return Revocation{}, fmt.Errorf("unmarshal revocation: %w", err)
	}
	return data, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
