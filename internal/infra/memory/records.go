package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/eriklieben/streamshift/internal/domain/migration"
	"github.com/eriklieben/streamshift/internal/domain/object"
)

// RecordStore is an in-memory migration.Service
type RecordStore struct {
	mu      sync.RWMutex
	records map[object.Identifier]migration.Record
}

func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[object.Identifier]migration.Record)}
}

func (s *RecordStore) Get(ctx context.Context, obj object.Identifier) (*migration.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[obj]
	if !ok {
		return nil, migration.NotFound{Object: obj}
	}
	copied := record
	return &copied, nil
}

func (s *RecordStore) Create(ctx context.Context, record *migration.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.Object]; ok {
		return migration.AlreadyExists{Object: record.Object}
	}
	s.records[record.Object] = *record
	return nil
}

func (s *RecordStore) Update(ctx context.Context, record *migration.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.Object]; !ok {
		return migration.NotFound{Object: record.Object}
	}
	s.records[record.Object] = *record
	return nil
}

func (s *RecordStore) Delete(ctx context.Context, obj object.Identifier) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, obj)
	return nil
}

func (s *RecordStore) ListResumable(ctx context.Context, limit int) ([]migration.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []migration.Record
	for _, record := range s.records {
		if record.Status.IsTerminal() {
			continue
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Object.String() < out[j].Object.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
