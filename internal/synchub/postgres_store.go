package synchub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresRecordsTableName = "livesync_records"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps every collection in a single records table keyed by
// (collection, record_id), with the record body stored as a JSON payload.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresRecordsTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				collection TEXT NOT NULL,
				record_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (collection, record_id)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

func (s *PostgresStore) Create(ctx context.Context, collection string, record Record) (Record, error) {
	if strings.TrimSpace(collection) == "" || record == nil {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	stored := cloneRecord(record)
	id := recordID(stored)
	if id == "" {
		id = newRecordID()
		stored["id"] = id
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(
		"INSERT INTO %s (collection, record_id, payload, updated_at) VALUES ($1, $2, $3, NOW())",
		postgresQuoteIdentifier(s.tableName),
	)
	if _, err := s.db.ExecContext(opCtx, query, collection, id, string(payload)); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *PostgresStore) Update(ctx context.Context, collection, id string, patch Record) (Record, error) {
	id = strings.TrimSpace(id)
	if strings.TrimSpace(collection) == "" || id == "" || patch == nil {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	current, err := s.getOne(opCtx, collection, id)
	if err != nil {
		return nil, err
	}
	updated := cloneRecord(current)
	for key, value := range patch {
		if key == "id" {
			continue
		}
		updated[key] = value
	}
	payload, err := json.Marshal(updated)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"UPDATE %s SET payload = $1, updated_at = NOW() WHERE collection = $2 AND record_id = $3",
		postgresQuoteIdentifier(s.tableName),
	)
	if _, err := s.db.ExecContext(opCtx, query, string(payload), collection, id); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	id = strings.TrimSpace(id)
	if strings.TrimSpace(collection) == "" || id == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(
		"DELETE FROM %s WHERE collection = $1 AND record_id = $2",
		postgresQuoteIdentifier(s.tableName),
	)
	result, err := s.db.ExecContext(opCtx, query, collection, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetAll(ctx context.Context, collection string, filter Filter) ([]Record, error) {
	if strings.TrimSpace(collection) == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT payload FROM %s WHERE collection = $1 ORDER BY record_id ASC",
		postgresQuoteIdentifier(s.tableName),
	)
	rows, err := s.db.QueryContext(opCtx, query, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]Record, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var record Record
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			continue
		}
		if matchesFilter(record, filter) {
			results = append(results, record)
		}
	}
	return results, rows.Err()
}

func (s *PostgresStore) Upsert(ctx context.Context, collection string, record Record) (Record, error) {
	if strings.TrimSpace(collection) == "" || record == nil {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	stored := cloneRecord(record)
	id := recordID(stored)
	if id == "" {
		id = newRecordID()
		stored["id"] = id
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	if current, err := s.getOne(opCtx, collection, id); err == nil {
		merged := cloneRecord(current)
		for key, value := range stored {
			merged[key] = value
		}
		stored = merged
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (collection, record_id, payload, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (collection, record_id)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`,
		postgresQuoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(opCtx, query, collection, id, string(payload)); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *PostgresStore) BulkCreate(ctx context.Context, collection string, records []Record) ([]Record, error) {
	if strings.TrimSpace(collection) == "" || len(records) == 0 {
		return nil, ErrInvalidInput
	}
	created := make([]Record, 0, len(records))
	for _, record := range records {
		stored, err := s.Create(ctx, collection, record)
		if err != nil {
			return created, err
		}
		created = append(created, stored)
	}
	return created, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) getOne(ctx context.Context, collection, id string) (Record, error) {
	query := fmt.Sprintf(
		"SELECT payload FROM %s WHERE collection = $1 AND record_id = $2",
		postgresQuoteIdentifier(s.tableName),
	)
	var payload string
	err := s.db.QueryRowContext(ctx, query, collection, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, err
	}
	return record, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
