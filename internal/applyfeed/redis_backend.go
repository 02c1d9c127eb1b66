package applyfeed

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultRedisRecordsKey = "applyfeed:records"

// RedisRecordStore keeps the record set as a single JSON string value.
type RedisRecordStore struct {
	client *redis.Client
	key    string
}

// NewRedisRecordStore accepts a redis:// or rediss:// URL. The optional
// "key" query parameter names the value holding the records.
func NewRedisRecordStore(dsn string) (RecordStore, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	query := parsed.Query()
	key := strings.TrimSpace(query.Get("key"))
	if key == "" {
		key = defaultRedisRecordsKey
	}
	query.Del("key")
	parsed.RawQuery = query.Encode()
	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, err
	}
	return NewRedisRecordStoreWithClient(redis.NewClient(opts), key), nil
}

func NewRedisRecordStoreWithClient(client *redis.Client, key string) *RedisRecordStore {
	if strings.TrimSpace(key) == "" {
		key = defaultRedisRecordsKey
	}
	return &RedisRecordStore{client: client, key: key}
}

func (s *RedisRecordStore) LoadAll(ctx context.Context) ([]ApplicationRecord, error) {
	payload, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return []ApplicationRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRecords(payload)
}

func (s *RedisRecordStore) SaveAll(ctx context.Context, records []ApplicationRecord) error {
	payload, err := encodeRecords(records)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key, payload, 0).Err()
}

func (s *RedisRecordStore) Close() error {
	return s.client.Close()
}
