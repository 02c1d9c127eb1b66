package applyfeed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresRecordsTableName = "applyfeed_records"
	postgresRecordsKey       = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresRecordStore keeps the record set as one JSON snapshot row, so a
// save is a single upsert and readers never see a half-written list.
type PostgresRecordStore struct {
	dsn       string
	tableName string
	recordKey string
	openDB    sqlOpenFunc

	initMu sync.Mutex
	db     *sql.DB
}

func NewPostgresRecordStore(dsn string) (RecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresRecordStore{
		dsn:       dsn,
		tableName: postgresRecordsTableName,
		recordKey: postgresRecordsKey,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresRecordStore) LoadAll(ctx context.Context) ([]ApplicationRecord, error) {
	db, err := s.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE record_key = $1", postgresQuoteIdentifier(s.tableName))
	var payload string
	err = db.QueryRowContext(ctx, query, s.recordKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return []ApplicationRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRecords([]byte(payload))
}

func (s *PostgresRecordStore) SaveAll(ctx context.Context, records []ApplicationRecord) error {
	db, err := s.ensureReady(ctx)
	if err != nil {
		return err
	}
	payload, err := encodeRecords(records)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (record_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (record_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	_, err = db.ExecContext(ctx, query, s.recordKey, string(payload))
	return err
}

func (s *PostgresRecordStore) Close() error {
	if s == nil {
		return nil
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *PostgresRecordStore) ensureReady(ctx context.Context) (*sql.DB, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			record_key TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, postgresQuoteIdentifier(s.tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.db = db
	return db, nil
}

func postgresQuoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
