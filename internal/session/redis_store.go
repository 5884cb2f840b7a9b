// Package session stores short-lived preview viewer sessions. A viewer who
// clears a preview's access gate once gets a session token so repeat fetches
// inside the window skip the password and email checks.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("viewer session not found or expired")

// ViewerSession records which preview a session token unlocks and the email
// the viewer identified with, when the preview demanded one.
type ViewerSession struct {
	PreviewID   string    `json:"preview_id"`
	ViewerEmail string    `json:"viewer_email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RedisStore keeps viewer sessions in Redis keyed by token hash; entries
// expire with the session TTL so stale grants clean themselves up.
type RedisStore struct {
	client *redis.Client
	prefix string
}

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

	return &RedisStore{client: client, prefix: "viewer:"}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "viewer:"}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

func (s *RedisStore) Save(ctx context.Context, tokenHash string, sess ViewerSession, ttl time.Duration) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	jsonData, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal viewer session: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := s.client.Set(ctx, s.key(tokenHash), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save viewer session: %w", err)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, tokenHash string) (ViewerSession, error) {
	jsonData, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if err == redis.Nil {
		return ViewerSession{}, ErrNotFound
	}
	if err != nil {
		return ViewerSession{}, fmt.Errorf("lookup viewer session: %w", err)
	}

	var sess ViewerSession
	if err := json.Unmarshal([]byte(jsonData), &sess); err != nil {
		return ViewerSession{}, fmt.Errorf("unmarshal viewer session: %w", err)
	}
	return sess, nil
}

// Revoke drops a single viewer session.
func (s *RedisStore) Revoke(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke viewer session: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
