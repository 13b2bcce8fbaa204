package synchub

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore persists collections to a single JSON file. Every mutation is
// flushed with an atomic tmp+rename so a crash never leaves a torn file.
type FileStore struct {
	path        string
	mu          sync.Mutex
	collections map[string]map[string]Record
}

type fileStoreState struct {
	Collections map[string]map[string]Record `json:"collections"`
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &FileStore{
		path:        path,
		collections: map[string]map[string]Record{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Create(ctx context.Context, collection string, record Record) (Record, error) {
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
		return nil, ErrInvalidState
	}
	rows[id] = stored
	if err := s.saveLocked(); err != nil {
		delete(rows, id)
		return nil, err
	}
	return cloneRecord(stored), nil
}

func (s *FileStore) Update(ctx context.Context, collection, id string, patch Record) (Record, error) {
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
	if err := s.saveLocked(); err != nil {
		rows[id] = current
		return nil, err
	}
	return cloneRecord(updated), nil
}

func (s *FileStore) Delete(ctx context.Context, collection, id string) error {
	id = strings.TrimSpace(id)
	if strings.TrimSpace(collection) == "" || id == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.collections[collection]
	current, ok := rows[id]
	if !ok {
		return ErrNotFound
	}
	delete(rows, id)
	if err := s.saveLocked(); err != nil {
		rows[id] = current
		return err
	}
	return nil
}

func (s *FileStore) GetAll(ctx context.Context, collection string, filter Filter) ([]Record, error) {
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

func (s *FileStore) Upsert(ctx context.Context, collection string, record Record) (Record, error) {
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
	previous, existed := rows[id]
	if existed {
		merged := cloneRecord(previous)
		for key, value := range stored {
			merged[key] = value
		}
		stored = merged
	}
	rows[id] = stored
	if err := s.saveLocked(); err != nil {
		if existed {
			rows[id] = previous
		} else {
			delete(rows, id)
		}
		return nil, err
	}
	return cloneRecord(stored), nil
}

func (s *FileStore) BulkCreate(ctx context.Context, collection string, records []Record) ([]Record, error) {
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

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state fileStoreState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Collections == nil {
		state.Collections = map[string]map[string]Record{}
	}
	s.collections = state.Collections
	return nil
}

func (s *FileStore) saveLocked() error {
	state := fileStoreState{Collections: s.collections}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
