package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/irfndi/hrguard/internal/models"
)

// keyedMutex hands out one mutex per key and drops it once nobody holds it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// MemoryOTPStore keeps OTP records in process memory.
type MemoryOTPStore struct {
	keys    *keyedMutex
	mu      sync.RWMutex
	records map[string]*models.OTPRecord
}

func NewMemoryOTPStore() *MemoryOTPStore {
	return &MemoryOTPStore{
		keys:    newKeyedMutex(),
		records: make(map[string]*models.OTPRecord),
	}
}

func (s *MemoryOTPStore) Load(ctx context.Context, principalID string) (*models.OTPRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[principalID].Clone(), nil
}

func (s *MemoryOTPStore) Mutate(ctx context.Context, principalID string, fn models.OTPMutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.keys.lock(principalID)
	defer unlock()

	s.mu.RLock()
	rec := s.records[principalID].Clone()
	s.mu.RUnlock()
	if rec == nil {
		rec = &models.OTPRecord{PrincipalID: principalID}
	}

	changed, err := fn(rec)
	if err != nil || !changed {
		return err
	}

	s.mu.Lock()
	s.records[principalID] = rec
	s.mu.Unlock()
	return nil
}

// MemorySessionStore keeps session records in process memory.
type MemorySessionStore struct {
	keys     *keyedMutex
	mu       sync.RWMutex
	sessions map[string]*models.SessionRecord
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		keys:     newKeyedMutex(),
		sessions: make(map[string]*models.SessionRecord),
	}
}

func (s *MemorySessionStore) Create(ctx context.Context, rec *models.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[rec.SessionID]; exists {
		return fmt.Errorf("session %s already exists", rec.SessionID)
	}
	s.sessions[rec.SessionID] = rec.Clone()
	return nil
}

func (s *MemorySessionStore) Load(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemorySessionStore) Mutate(ctx context.Context, sessionID string, fn models.SessionMutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.keys.lock(sessionID)
	defer unlock()

	s.mu.RLock()
	current, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return models.ErrNotFound
	}

	rec := current.Clone()
	changed, err := fn(rec)
	if err != nil || !changed {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Invalidate may have removed the session while fn ran.
	if _, still := s.sessions[sessionID]; !still {
		return models.ErrNotFound
	}
	s.sessions[sessionID] = rec
	return nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) DeleteByPrincipal(ctx context.Context, principalID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.sessions {
		if rec.PrincipalID == principalID {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (s *MemorySessionStore) DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.sessions {
		last := rec.CreatedAt
		if rec.LastActivity != nil {
			last = *rec.LastActivity
		}
		if last.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}
