package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	sessionsKeyName     = "_wagate_sessions"
	authKeyNameTemplate = "_wagate_auth_%s"
)

// BlobStore keeps the session cache blob under a single key. SET replaces the value
// atomically, so readers never see a partial write.
type BlobStore struct {
	cli *redis.Client
	key string
}

func NewBlobStore(cli *redis.Client) *BlobStore {
	return &BlobStore{cli: cli, key: sessionsKeyName}
}

func (s *BlobStore) ReadBlob(ctx context.Context) ([]byte, error) {
	b, err := s.cli.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *BlobStore) WriteBlob(ctx context.Context, b []byte) error {
	return s.cli.Set(ctx, s.key, b, 0).Err()
}

// AuthStore tracks engine auth material stored as one key per device.
type AuthStore struct {
	cli *redis.Client
}

func NewAuthStore(cli *redis.Client) *AuthStore {
	return &AuthStore{cli: cli}
}

func (s *AuthStore) RemoveAuth(ctx context.Context, id string) error {
	return s.cli.Del(ctx, getAuthKey(id)).Err()
}

func (s *AuthStore) ListAuth(ctx context.Context) ([]string, error) {
	prefix := getAuthKey("")
	var ids []string
	iter := s.cli.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if id, ok := strings.CutPrefix(iter.Val(), prefix); ok && id != "" {
			ids = append(ids, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func getAuthKey(id string) string {
	return fmt.Sprintf(authKeyNameTemplate, id)
}
