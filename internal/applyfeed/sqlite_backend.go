package applyfeed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteOperationTimeout = 5 * time.Second

const sqliteRecordsSchema = `
CREATE TABLE IF NOT EXISTS application_records (
	id TEXT PRIMARY KEY,
	position INTEGER NOT NULL,
	status TEXT NOT NULL,
	sender TEXT,
	subject TEXT,
	received TEXT,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS application_records_status ON application_records(status);
`

// SQLiteRecordStore keeps one row per record so the table can be queried
// directly; list order is carried in the position column. SaveAll replaces
// the table contents in one transaction.
type SQLiteRecordStore struct {
	path   string
	openDB sqlOpenFunc

	initMu sync.Mutex
	db     *sql.DB
}

// NewSQLiteRecordStore accepts sqlite://relative/path, sqlite:///abs/path or
// a bare path.
func NewSQLiteRecordStore(dsn string) (RecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	path, err := dsnPath(parsed, dsn)
	if err != nil {
		return nil, err
	}
	return &SQLiteRecordStore{path: path, openDB: sql.Open}, nil
}

func (s *SQLiteRecordStore) LoadAll(ctx context.Context) ([]ApplicationRecord, error) {
	db, err := s.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, `SELECT payload FROM application_records ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []ApplicationRecord{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var record ApplicationRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			return nil, fmt.Errorf("decode sqlite record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SQLiteRecordStore) SaveAll(ctx context.Context, records []ApplicationRecord) error {
	db, err := s.ensureReady(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM application_records`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO application_records (id, position, status, sender, subject, received, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, record := range records {
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, record.ID, i, string(record.Status), record.From, record.Subject, record.Date, string(payload)); err != nil {
			return fmt.Errorf("insert record %s: %w", record.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteRecordStore) Close() error {
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

// ensureReady opens the database on first use. A failed attempt is not
// cached; the next call tries again.
func (s *SQLiteRecordStore) ensureReady(ctx context.Context) (*sql.DB, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := s.openDB("sqlite", s.path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sqliteOperationTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteRecordsSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.db = db
	return db, nil
}
