//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides a process-local session store.
package inmemory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"trpc.group/trpc-go/consoul/session"
)

// Store keeps sessions in a map guarded by a RWMutex. With a TTL configured,
// entries expire a fixed duration after first creation; expiry is enforced
// lazily on read and list.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	ttl     time.Duration
	now     func() time.Time
}

type entry struct {
	sess      *session.Session
	createdAt time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the session lifetime measured from creation. Zero disables
// expiry.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ session.Store = (*Store)(nil)

// Save stores a deep copy of sess under sid. A re-save keeps the original
// creation instant so the TTL clock is not reset.
func (s *Store) Save(ctx context.Context, sid string, sess *session.Session) error {
	if sid == "" {
		return session.ErrInvalidSessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	created := s.now()
	if old, ok := s.entries[sid]; ok && !s.expired(old) {
		created = old.createdAt
	}
	s.entries[sid] = &entry{sess: sess.Clone(), createdAt: created}
	return nil
}

// Load returns a deep copy of the session, or (nil, nil) when absent or
// expired.
func (s *Store) Load(ctx context.Context, sid string) (*session.Session, error) {
	if sid == "" {
		return nil, session.ErrInvalidSessionID
	}
	s.mu.RLock()
	e, ok := s.entries[sid]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if s.expired(e) {
		s.mu.Lock()
		// Re-check under the write lock; a concurrent Save may have replaced it.
		if cur, ok := s.entries[sid]; ok && s.expired(cur) {
			delete(s.entries, sid)
		}
		s.mu.Unlock()
		return nil, nil
	}
	return e.sess.Clone(), nil
}

// Delete removes the session; deleting an absent session is a no-op.
func (s *Store) Delete(ctx context.Context, sid string) error {
	if sid == "" {
		return session.ErrInvalidSessionID
	}
	s.mu.Lock()
	delete(s.entries, sid)
	s.mu.Unlock()
	return nil
}

// List returns session IDs updated most recently first. Namespace selects
// IDs with the "<namespace>:" prefix; the empty namespace selects all.
func (s *Store) List(ctx context.Context, namespace string, limit, offset int) ([]string, error) {
	if limit <= 0 || offset < 0 {
		return []string{}, nil
	}

	s.mu.RLock()
	live := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if s.expired(e) {
			continue
		}
		if namespace != "" && !strings.HasPrefix(e.sess.ID, namespace+":") {
			continue
		}
		live = append(live, e)
	}
	s.mu.RUnlock()

	sort.Slice(live, func(i, j int) bool {
		if live[i].sess.UpdatedAt != live[j].sess.UpdatedAt {
			return live[i].sess.UpdatedAt > live[j].sess.UpdatedAt
		}
		return live[i].sess.ID < live[j].sess.ID
	})

	if offset >= len(live) {
		return []string{}, nil
	}
	end := offset + limit
	if end > len(live) {
		end = len(live)
	}
	ids := make([]string, 0, end-offset)
	for _, e := range live[offset:end] {
		ids = append(ids, e.sess.ID)
	}
	return ids, nil
}

// Close releases nothing for the in-memory backend.
func (s *Store) Close() error {
	return nil
}

func (s *Store) expired(e *entry) bool {
	return s.ttl > 0 && s.now().Sub(e.createdAt) > s.ttl
}
