package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agency-portal-backend/internal/domain"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "auth:session:"

type tokenStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTokenStore persists sessions as JSON with a sliding TTL.
func NewTokenStore(client *redis.Client, ttl time.Duration) domain.TokenStore {
	return &tokenStore{client: client, ttl: ttl}
}

func (s *tokenStore) Load(ctx context.Context, key string) (*domain.Session, error) {
	raw, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: load session: %w", err)
	}

	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		// Unreadable entries are treated as signed out.
		_ = s.client.Del(ctx, keyPrefix+key).Err()
		return nil, nil
	}
	return &sess, nil
}

func (s *tokenStore) Save(ctx context.Context, key string, sess *domain.Session) error {
	if sess == nil {
		return s.Delete(ctx, key)
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, keyPrefix+key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: save session: %w", err)
	}
	return nil
}

func (s *tokenStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis: delete session: %w", err)
	}
	return nil
}
