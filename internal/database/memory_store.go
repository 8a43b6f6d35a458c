package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*SessionRecord)}
}

func (ms *MemoryStore) Get(_ context.Context, clientID string) (*SessionRecord, error) {
	if clientID == "" {
		return nil, ClientIdEmptyError
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	record, ok := ms.sessions[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, clientID)
	}
	return record.Clone(), nil
}

func (ms *MemoryStore) Save(_ context.Context, record *SessionRecord) error {
	if record.ClientID == "" {
		return ClientIdEmptyError
	}
	ms.mu.Lock()
	ms.sessions[record.ClientID] = record.Clone()
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) Delete(_ context.Context, clientID string) error {
	if clientID == "" {
		return ClientIdEmptyError
	}
	ms.mu.Lock()
	delete(ms.sessions, clientID)
	ms.mu.Unlock()
	return nil
}

// List returns the records ordered by client id.
func (ms *MemoryStore) List(_ context.Context) ([]*SessionRecord, error) {
	ms.mu.RLock()
	records := make([]*SessionRecord, 0, len(ms.sessions))
	for _, record := range ms.sessions {
		records = append(records, record.Clone())
	}
	ms.mu.RUnlock()
	sort.Slice(records, func(i, j int) bool { return records[i].ClientID < records[j].ClientID })
	return records, nil
}

func (ms *MemoryStore) Close(_ context.Context) error {
	return nil
}
