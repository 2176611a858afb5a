package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/digkill/mediaroute/internal/models"
)

const redisKeyPrefix = "session:"

// RedisStore persists sessions in redis with the TTL applied to the key
// itself, so eviction is handled by redis. Mutations use WATCH so a
// working-media replacement is atomic across nodes.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Create(ctx context.Context, userID int64) (*models.Session, error) {
	now := time.Now()
	sess := &models.Session{
		ID:            uuid.NewString(),
		UserID:        userID,
		CreatedAt:     now,
		LastTouchedAt: now,
		TTL:           s.ttl,
	}
	val, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+sess.ID, val, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return sess, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.Session, error) {
	val, err := s.client.Get(ctx, redisKeyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) SetWorkingMedia(ctx context.Context, id string, media models.MediaRef) error {
	return s.mutate(ctx, id, func(sess *models.Session) {
		m := media
		sess.WorkingMedia = &m
	})
}

func (s *RedisStore) AppendUploads(ctx context.Context, id string, uploads []models.MediaRef) error {
	if len(uploads) == 0 {
		return nil
	}
	return s.mutate(ctx, id, func(sess *models.Session) {
		sess.UploadedMedia = append(sess.UploadedMedia, uploads...)
	})
}

func (s *RedisStore) Touch(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(sess *models.Session) {})
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, redisKeyPrefix+id).Err()
}

// mutate applies fn under WATCH so concurrent writers cannot tear the
// session; the last committed writer wins. Every mutation refreshes the TTL.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*models.Session)) error {
	key := redisKeyPrefix + id
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}

		var sess models.Session
		if err := json.Unmarshal([]byte(val), &sess); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}

		fn(&sess)
		sess.LastTouchedAt = time.Now()

		newVal, err := json.Marshal(&sess)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, s.ttl)
			return nil
		})
		return err
	}, key)
}
