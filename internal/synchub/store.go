// Package synchub provides the generic collection CRUD contract consumed by
// the refresh coordinator, pluggable store backends, and the debounced
// refresh coordinator itself.
package synchub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrNotImplemented = errors.New("not implemented")
)

// Record is a single row of a named collection. Every stored record carries
// its identifier under the "id" key.
type Record = map[string]any

// Filter restricts GetAll to records whose fields equal the given values.
type Filter = map[string]any

// CollectionStore is the generic CRUD contract. Implementations may reject
// with transport or validation errors; callers treat errors as opaque.
type CollectionStore interface {
	Create(ctx context.Context, collection string, record Record) (Record, error)
	Update(ctx context.Context, collection, id string, patch Record) (Record, error)
	Delete(ctx context.Context, collection, id string) error
	GetAll(ctx context.Context, collection string, filter Filter) ([]Record, error)
	Upsert(ctx context.Context, collection string, record Record) (Record, error)
	BulkCreate(ctx context.Context, collection string, records []Record) ([]Record, error)
	Close() error
}

func recordID(record Record) string {
	if record == nil {
		return ""
	}
	id, _ := record["id"].(string)
	return strings.TrimSpace(id)
}

func newRecordID() string {
	return "rec_" + uuid.NewString()
}

func cloneRecord(record Record) Record {
	clone := make(Record, len(record))
	for key, value := range record {
		clone[key] = value
	}
	return clone
}

func matchesFilter(record Record, filter Filter) bool {
	for key, want := range filter {
		got, ok := record[key]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func sortRecordsByID(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return recordID(records[i]) < recordID(records[j])
	})
}

// MemoryStore keeps collections in process memory. It is the default backend
// and the workhorse for tests.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: map[string]map[string]Record{}}
}

func (s *MemoryStore) Create(ctx context.Context, collection string, record Record) (Record, error) {
	if strings.TrimSpace(collection) == "" || record == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneRecord(record)
	id := recordID(stored)
	if id == "" {
		id = newRecordID()
		stored["id"] = id
	}
	rows := s.collections[collection]
	if rows == nil {
		rows = map[string]Record{}
		s.collections[collection] = rows
	}
	if _, exists := rows[id]; exists {
		return nil, fmt.Errorf("%w: record %s already exists in %s", ErrInvalidState, id, collection)
	}
	rows[id] = stored
	return cloneRecord(stored), nil
}

func (s *MemoryStore) Update(ctx context.Context, collection, id string, patch Record) (Record, error) {
	id = strings.TrimSpace(id)
	if strings.TrimSpace(collection) == "" || id == "" || patch == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.collections[collection]
	current, ok := rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	updated := cloneRecord(current)
	for key, value := range patch {
		if key == "id" {
			continue
		}
		updated[key] = value
	}
	rows[id] = updated
	return cloneRecord(updated), nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	id = strings.TrimSpace(id)
	if strings.TrimSpace(collection) == "" || id == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.collections[collection]
	if _, ok := rows[id]; !ok {
		return ErrNotFound
	}
	delete(rows, id)
	return nil
}

func (s *MemoryStore) GetAll(ctx context.Context, collection string, filter Filter) ([]Record, error) {
	if strings.TrimSpace(collection) == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.collections[collection]
	results := make([]Record, 0, len(rows))
	for _, record := range rows {
		if matchesFilter(record, filter) {
			results = append(results, cloneRecord(record))
		}
	}
	sortRecordsByID(results)
	return results, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, collection string, record Record) (Record, error) {
	if strings.TrimSpace(collection) == "" || record == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneRecord(record)
	id := recordID(stored)
	if id == "" {
		id = newRecordID()
		stored["id"] = id
	}
	rows := s.collections[collection]
	if rows == nil {
		rows = map[string]Record{}
		s.collections[collection] = rows
	}
	if current, ok := rows[id]; ok {
		merged := cloneRecord(current)
		for key, value := range stored {
			merged[key] = value
		}
		rows[id] = merged
		return cloneRecord(merged), nil
	}
	rows[id] = stored
	return cloneRecord(stored), nil
}

func (s *MemoryStore) BulkCreate(ctx context.Context, collection string, records []Record) ([]Record, error) {
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

func (s *MemoryStore) Close() error {
	return nil
}
