package userstore

import (
	"context"
	"sync"
	"time"

	"github.com/blitzgrid/blitz/errs"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[int64]User
	nextID int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[int64]User),
		nextID: 1,
	}
}

func (s *MemoryStore) GetByToken(ctx context.Context, token string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if token != "" {
		for _, u := range s.byID {
			if u.APIToken == token {
				return u, nil
			}
		}
	}
	return User{}, errs.New(errs.CodeAuth, errs.WithMessage("unknown api token"))
}

func (s *MemoryStore) GetByID(ctx context.Context, id int64) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return User{}, errs.New(errs.CodeNotFound, errs.WithMessage("user not found"))
	}
	return u, nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []User
	for _, u := range s.byID {
		if u.Active {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *MemoryStore) SetActive(ctx context.Context, id int64, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return errs.New(errs.CodeNotFound, errs.WithMessage("user not found"))
	}
	u.Active = active
	u.UpdatedAt = time.Now().UTC()
	s.byID[id] = u
	return nil
}

func (s *MemoryStore) Upsert(ctx context.Context, user User) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for id, existing := range s.byID {
		if existing.Email == user.Email {
			user.ID = id
			user.CreatedAt = existing.CreatedAt
			user.UpdatedAt = now
			s.byID[id] = user
			return user, nil
		}
	}

	user.ID = s.nextID
	s.nextID++
	user.CreatedAt = now
	user.UpdatedAt = now
	s.byID[user.ID] = user
	return user, nil
}

var _ Store = (*MemoryStore)(nil)
