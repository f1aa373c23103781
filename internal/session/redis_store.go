package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// maxTxRetries bounds optimistic transaction retries in Update.
const maxTxRetries = 10

// RedisOptions holds the connection settings for NewRedisClient.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects to redis and verifies the connection.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// RedisStore keeps each session blob as a JSON string under <prefix><id>.
// Expiry is delegated to redis key TTLs; Update uses WATCH/MULTI so concurrent
// writers to one id retry instead of overwriting each other.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// Read implements Store.
func (s *RedisStore) Read(ctx context.Context, id string) Data {
	if !ValidID(id) {
		return Data{}
	}
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Data{}
	}
	if err != nil {
		reportStoreError("read", &StoreError{Op: "read", Err: err})
		return Data{}
	}
	data, err := decodeData(raw)
	if err != nil {
		reportStoreError("decode", err)
		return Data{}
	}
	return data
}

// Write implements Store.
func (s *RedisStore) Write(ctx context.Context, id string, data Data, ttl time.Duration) (string, error) {
	if !ValidID(id) {
		return "", ErrInvalidID
	}
	payload, err := encodeData(data)
	if err != nil {
		return "", err
	}
	if err := s.client.Set(ctx, s.key(id), payload, ttl).Err(); err != nil {
		return "", &StoreError{Op: "write", Err: err}
	}
	return id, nil
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, id string, ttl time.Duration, fn func(Data) Data) (bool, error) {
	if !ValidID(id) {
		return false, ErrInvalidID
	}
	key := s.key(id)

	var existed bool
	txf := func(tx *redis.Tx) error {
		existed = false
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		current, err := decodeData(raw)
		if err != nil {
			reportStoreError("decode", err)
			return nil
		}

		payload, err := encodeData(fn(current))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		if err == nil {
			existed = true
		}
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, &StoreError{Op: "update", Err: err}
		}
		return existed, nil
	}
	return false, &StoreError{Op: "update", Err: fmt.Errorf("too much contention after %d attempts", maxTxRetries)}
}

// Remove implements Store.
func (s *RedisStore) Remove(ctx context.Context, id string) error {
	if !ValidID(id) {
		return nil
	}
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return &StoreError{Op: "remove", Err: err}
	}
	return nil
}

// Exists implements Store.
func (s *RedisStore) Exists(ctx context.Context, id string) bool {
	if !ValidID(id) {
		return false
	}
	n, err := s.client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		reportStoreError("exists", &StoreError{Op: "exists", Err: err})
		return false
	}
	return n > 0
}

func encodeData(data Data) ([]byte, error) {
	if data == nil {
		data = Data{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, &StoreError{Op: "encode", Err: err}
	}
	return payload, nil
}

func decodeData(raw []byte) (Data, error) {
	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, &StoreError{Op: "decode", Err: err}
	}
	if data == nil {
		data = Data{}
	}
	return data, nil
}
