package metadata

import (
	"context"
	"sort"
	"sync"

	"github.com/akshaykher243/payload-template/internal/media"
)

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*media.LogicalFile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*media.LogicalFile),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) PutRecord(ctx context.Context, f *media.LogicalFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[f.ID] = cloneRecord(f)
	return nil
}

func (s *MemoryStore) GetRecord(ctx context.Context, id string) (*media.LogicalFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, exists := s.records[id]
	if !exists {
		return nil, nil
	}
	return cloneRecord(f), nil
}

func (s *MemoryStore) FindByFilename(ctx context.Context, filename string) (*media.LogicalFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *media.LogicalFile
	for _, f := range s.records {
		if !matchesFilename(f, filename) {
			continue
		}
		if best == nil || f.UpdatedAt.After(best.UpdatedAt) {
			best = f
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneRecord(best), nil
}

func (s *MemoryStore) DeleteRecord(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, id)
	return nil
}

func (s *MemoryStore) ListRecords(ctx context.Context, opts ListRecordsOptions) (*ListRecordsResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := normalizeLimit(opts.Limit)
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		if id > opts.After {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	result := &ListRecordsResult{}
	if len(ids) > limit {
		ids = ids[:limit]
		result.IsTruncated = true
		result.NextAfter = ids[limit-1]
	}
	for _, id := range ids {
		result.Records = append(result.Records, cloneRecord(s.records[id]))
	}
	return result, nil
}

// cloneRecord copies f deeply enough that callers cannot mutate stored
// state through the returned value.
func cloneRecord(f *media.LogicalFile) *media.LogicalFile {
	cp := *f
	if f.CorrectedMimeType != nil {
		ct := *f.CorrectedMimeType
		cp.CorrectedMimeType = &ct
	}
	if f.Variants != nil {
		cp.Variants = make(map[string]*media.VariantRecord, len(f.Variants))
		for name, v := range f.Variants {
			if v == nil {
				cp.Variants[name] = nil
				continue
			}
			vc := *v
			cp.Variants[name] = &vc
		}
	}
	return &cp
}
