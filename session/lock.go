//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package session

import (
	"context"
	"sync"
)

// LockManager serializes turns per session. Locks are created on demand and
// reference counted so the table does not grow with the session population:
// an entry is removed as soon as no goroutine holds or waits for it.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	ch   chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*sessionLock)}
}

// Acquire blocks until the per-session lock is held or ctx is done. On
// success it returns the unlock function; the caller must invoke it exactly
// once. Different session IDs never contend.
func (m *LockManager) Acquire(ctx context.Context, sid string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[sid]
	if !ok {
		l = &sessionLock{ch: make(chan struct{}, 1)}
		m.locks[sid] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			m.release(sid, l)
		}, nil
	case <-ctx.Done():
		m.release(sid, l)
		return nil, ctx.Err()
	}
}

func (m *LockManager) release(sid string, l *sessionLock) {
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, sid)
	}
	m.mu.Unlock()
}

// Len reports the number of live lock entries, for tests.
func (m *LockManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
