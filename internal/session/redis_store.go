package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one JSON value per participant. Keys carry a TTL of
// twice the session timeout so that expired sessions are still visible to
// Consume; the sweeper and the TTL bound what is left behind.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	// beforeSweepDelete runs between the sweep's read and its delete.
	beforeSweepDelete func(key string)
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string, timeout time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, timeout), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, timeout time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "conversation:", ttl: 2 * timeout}
}

func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) key(participantID int64) string {
	return s.prefix + strconv.FormatInt(participantID, 10)
}

func (s *RedisStore) Put(ctx context.Context, session Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(session.ParticipantID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func decode(raw string) (Session, error) {
	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return session, nil
}

func (s *RedisStore) Get(ctx context.Context, participantID int64) (Session, bool, error) {
	raw, err := s.client.Get(ctx, s.key(participantID)).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("lookup session: %w", err)
	}
	session, err := decode(raw)
	return session, err == nil, err
}

func (s *RedisStore) Take(ctx context.Context, participantID int64) (Session, bool, error) {
	raw, err := s.client.GetDel(ctx, s.key(participantID)).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("take session: %w", err)
	}
	session, err := decode(raw)
	return session, err == nil, err
}

// Refresh rewrites the timestamp under WATCH so a concurrent Begin or Take wins.
func (s *RedisStore) Refresh(ctx context.Context, participantID int64, at time.Time) (bool, error) {
	key := s.key(participantID)
	refreshed := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		session, err := decode(raw)
		if err != nil {
			return err
		}
		session.LastActivity = at
		data, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetXX(ctx, key, data, s.ttl)
			return nil
		})
		if err == nil {
			refreshed = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("refresh session: %w", err)
	}
	return refreshed, nil
}

func (s *RedisStore) Delete(ctx context.Context, participantID int64) (bool, error) {
	removed, err := s.client.Del(ctx, s.key(participantID)).Result()
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return removed > 0, nil
}

// Sweep deletes inactive sessions. Each key is re-read and deleted under
// WATCH so a Begin that lands between the check and the delete survives.
func (s *RedisStore) Sweep(ctx context.Context, inactiveSince time.Time) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if _, err := strconv.ParseInt(strings.TrimPrefix(key, s.prefix), 10, 64); err != nil {
			continue
		}
		deleted, err := s.sweepKey(ctx, key, inactiveSince)
		if err != nil {
			slog.Debug("session_sweep_key_failed", "key", key, "error", err)
			continue
		}
		if deleted {
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan sessions: %w", err)
	}
	return removed, nil
}

func (s *RedisStore) sweepKey(ctx context.Context, key string, inactiveSince time.Time) (bool, error) {
	deleted := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		session, err := decode(raw)
		if err != nil {
			return err
		}
		if !session.LastActivity.Before(inactiveSince) {
			return nil
		}
		if s.beforeSweepDelete != nil {
			s.beforeSweepDelete(key)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return deleted, err
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
