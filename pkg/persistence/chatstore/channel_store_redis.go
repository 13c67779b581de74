package chatstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultRedisChannelsKey = "coachchat:channels"

// RedisChannelStore keeps channel records in one Redis hash, so every client sharing the stream bus
// agrees on which channels exist.
type RedisChannelStore struct {
	client *redis.Client
	key    string
}

var _ ChannelStore = &RedisChannelStore{}

func NewRedisChannelStore(client *redis.Client, key string) (*RedisChannelStore, error) {
	if client == nil {
		return nil, errors.New("redis channel store: nil client")
	}
	if key == "" {
		key = defaultRedisChannelsKey
	}
	return &RedisChannelStore{client: client, key: key}, nil
}

// Close is a no-op; the client belongs to the stream bus.
func (s *RedisChannelStore) Close() error { return nil }

func (s *RedisChannelStore) Create(ctx context.Context, record ChannelRecord) error {
	if err := validateRecord("redis channel store", record); err != nil {
		return err
	}
	if record.CreatedAtMs == 0 {
		record.CreatedAtMs = time.Now().UnixMilli()
	}
	b, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "redis channel store: marshal record")
	}
	created, err := s.client.HSetNX(ctx, s.key, channelKey(record.Kind, record.ID), b).Result()
	if err != nil {
		return errors.Wrap(err, "redis channel store: hsetnx")
	}
	if !created {
		return existsError("redis channel store", record)
	}
	return nil
}

func (s *RedisChannelStore) Get(ctx context.Context, kind, id string) (ChannelRecord, bool, error) {
	raw, err := s.client.HGet(ctx, s.key, channelKey(kind, id)).Result()
	if errors.Is(err, redis.Nil) {
		return ChannelRecord{}, false, nil
	}
	if err != nil {
		return ChannelRecord{}, false, errors.Wrap(err, "redis channel store: hget")
	}
	var record ChannelRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return ChannelRecord{}, false, errors.Wrap(err, "redis channel store: decode record")
	}
	return record, true, nil
}
