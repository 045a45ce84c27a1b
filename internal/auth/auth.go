package auth

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nathanyu/securities-exchange/internal/domain"
)

// Store keeps the registered users and their API keys in memory.
type Store struct {
	mu     sync.RWMutex
	byID   map[string]*domain.User
	byKey  map[string]*domain.User
	byName map[string]*domain.User
}

// NewStore creates an empty user store.
func NewStore() *Store {
	return &Store{
		byID:   make(map[string]*domain.User),
		byKey:  make(map[string]*domain.User),
		byName: make(map[string]*domain.User),
	}
}

// Register creates a user with the given role and a fresh API key.
func (s *Store) Register(name string, role domain.Role) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[name]; exists {
		return domain.User{}, fmt.Errorf("%w: username %s", domain.ErrConflict, name)
	}

	user := &domain.User{
		ID:     uuid.New().String(),
		Name:   name,
		Role:   role,
		APIKey: uuid.New().String(),
	}
	s.byID[user.ID] = user
	s.byKey[user.APIKey] = user
	s.byName[user.Name] = user
	return *user, nil
}

// ByKey resolves a user from an API key.
func (s *Store) ByKey(apiKey string) (domain.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byKey[apiKey]
	if !ok {
		return domain.User{}, false
	}
	return *user, true
}

// Get returns a user by id.
func (s *Store) Get(id string) (domain.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byID[id]
	if !ok {
		return domain.User{}, false
	}
	return *user, true
}

// Delete removes a user and returns the deleted record.
func (s *Store) Delete(id string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.byID[id]
	if !ok {
		return domain.User{}, fmt.Errorf("%w: user %s", domain.ErrNotFound, id)
	}
	delete(s.byID, user.ID)
	delete(s.byKey, user.APIKey)
	delete(s.byName, user.Name)
	return *user, nil
}
