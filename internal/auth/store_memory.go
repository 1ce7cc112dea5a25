package auth

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps accounts in process memory.
type InMemoryStore struct {
	mu         sync.RWMutex
	nextID     int64
	byID       map[int64]Account
	byUsername map[string]int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:       make(map[int64]Account),
		byUsername: make(map[string]int64),
	}
}

func (s *InMemoryStore) Create(_ context.Context, username, passwordHash string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byUsername[username]; exists {
		return Account{}, ErrUsernameTaken
	}
	s.nextID++
	acc := Account{
		ID:           s.nextID,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	s.byID[acc.ID] = acc
	s.byUsername[username] = acc.ID
	return acc, nil
}

func (s *InMemoryStore) Get(_ context.Context, id int64) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.byID[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acc, nil
}

func (s *InMemoryStore) GetByUsername(_ context.Context, username string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUsername[username]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return s.byID[id], nil
}

// Delete removes an account. Tokens issued for it stop verifying.
func (s *InMemoryStore) Delete(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.byID[id]; ok {
		delete(s.byUsername, acc.Username)
		delete(s.byID, id)
	}
}

func (s *InMemoryStore) Close() error { return nil }
