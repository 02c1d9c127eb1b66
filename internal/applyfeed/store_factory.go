package applyfeed

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// BuildRecordStoreFromDSN picks a backend by DSN scheme. A bare path is a
// JSON file.
func BuildRecordStoreFromDSN(dsn string) (RecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupRecordStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileRecordStore(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryRecordStore(), nil
	case "postgres", "postgresql":
		return NewPostgresRecordStore(dsn)
	case "redis", "rediss":
		return NewRedisRecordStore(dsn)
	case "s3":
		return NewS3RecordStore(dsn)
	case "sqlite", "sqlite3":
		return NewSQLiteRecordStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported record store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	if parsed.Opaque != "" {
		return strings.TrimSpace(parsed.Opaque), nil
	}
	host := strings.TrimSpace(parsed.Host)
	path := strings.TrimSpace(parsed.Path)
	switch {
	case host != "" && path != "":
		return filepath.Join(host, path), nil
	case host != "":
		return host, nil
	case path != "":
		return path, nil
	default:
		return "", ErrInvalidInput
	}
}
