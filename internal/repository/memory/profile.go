package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/repository"
)

type ProfileStore struct {
	mu      sync.RWMutex
	byID    map[string]*models.Profile
	byEmail map[string]string
}

func NewProfileStore() *ProfileStore {
	return &ProfileStore{
		byID:    make(map[string]*models.Profile),
		byEmail: make(map[string]string),
	}
}

func (s *ProfileStore) Create(ctx context.Context, username, displayName, email, passwordHash string) (*models.Profile, error) {
	key := strings.ToLower(email)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byEmail[key]; taken {
		return nil, repository.ErrConflict
	}
	p := &models.Profile{
		ID:           uuid.NewString(),
		Username:     username,
		DisplayName:  displayName,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	s.byID[p.ID] = p
	s.byEmail[key] = p.ID
	cp := *p
	return &cp, nil
}

func (s *ProfileStore) GetByID(ctx context.Context, id string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *ProfileStore) GetByEmail(ctx context.Context, email string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, nil
	}
	cp := *s.byID[id]
	return &cp, nil
}
