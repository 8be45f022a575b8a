package storage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slices"
)

// DefaultKeyPrefix namespaces outcome keys in a shared Redis.
const DefaultKeyPrefix = "gridcalc:outcome:"

// RedisStore keeps outcomes in Redis, so they survive a coordinator restart
// and can be read by other processes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps client. A zero ttl keeps outcomes until consumed.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisClient connects to addr and checks the server answers.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is not configured")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "failed to ping redis at %s", addr)
	}
	return client, nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// Put stores o with the configured TTL.
func (s *RedisStore) Put(ctx context.Context, o Outcome) error {
	if o.ID == "" {
		return errors.New("outcome without id")
	}
	data, err := json.Marshal(o)
	if err != nil {
		return errors.Wrap(err, "failed to marshal outcome")
	}
	if err := s.client.Set(ctx, s.key(o.ID), data, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to save outcome")
	}
	return nil
}

// Get reads an outcome.
func (s *RedisStore) Get(ctx context.Context, id string) (Outcome, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Outcome{}, errors.Wrapf(ErrKeyNotFound, "outcome %s", id)
		}
		return Outcome{}, errors.Wrap(err, "failed to get outcome")
	}
	return decodeOutcome(data)
}

// Take uses GETDEL, so only one consumer gets the outcome.
func (s *RedisStore) Take(ctx context.Context, id string) (Outcome, error) {
	data, err := s.client.GetDel(ctx, s.key(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Outcome{}, errors.Wrapf(ErrKeyNotFound, "outcome %s", id)
		}
		return Outcome{}, errors.Wrap(err, "failed to take outcome")
	}
	return decodeOutcome(data)
}

// Delete removes an outcome.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return errors.Wrap(err, "failed to delete outcome")
	}
	return nil
}

// List scans the key prefix. It does not block the server the way KEYS would.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan outcomes")
	}
	slices.Sort(ids)
	return ids, nil
}

// Stats counts the outcomes and their encoded size.
func (s *RedisStore) Stats(ctx context.Context) (StoreStats, error) {
	ids, err := s.List(ctx)
	if err != nil {
		return StoreStats{}, err
	}
	stats := StoreStats{}
	if len(ids) == 0 {
		return stats, nil
	}

	pipe := s.client.Pipeline()
	lens := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		lens[i] = pipe.StrLen(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return StoreStats{}, errors.Wrap(err, "failed to read outcome sizes")
	}
	for _, l := range lens {
		if n := l.Val(); n > 0 {
			stats.Keys++
			stats.Bytes += int(n)
		}
	}
	return stats, nil
}
