package repository

import (
	"context"
	"sync"

	"github.com/ent0n29/memsync/internal/protocol"
)

// InMemoryStore is a process-local store for development and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[int64][]storedRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[int64][]storedRecord)}
}

func (s *InMemoryStore) ReplaceAll(_ context.Context, userID int64, items []protocol.Item) (int, error) {
	rows := make([]storedRecord, 0, len(items))
	for _, item := range items {
		emb, err := encodeEmbedding(item.Embedding)
		if err != nil {
			return 0, err
		}
		rows = append(rows, storedRecord{
			StartTimestamp: item.StartTimestamp,
			EndTimestamp:   item.EndTimestamp,
			Summary:        item.Summary,
			Embedding:      emb,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(rows) == 0 {
		delete(s.records, userID)
		return 0, nil
	}
	s.records[userID] = rows
	return len(rows), nil
}

func (s *InMemoryStore) ListAll(_ context.Context, userID int64) ([]protocol.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.records[userID]
	out := make([]protocol.Item, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.item())
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
