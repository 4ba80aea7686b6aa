//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package file provides a session store backed by one JSON document per
// session in a directory.
package file

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"trpc.group/trpc-go/consoul/log"
	"trpc.group/trpc-go/consoul/session"
)

const suffix = ".json"

// Store persists sessions as JSON files. The filename is the URL-safe
// base64 of the session ID, so an ID is never interpreted as a path and
// two distinct IDs can never collide on disk. The original ID is embedded
// in the document. TTL ages from file mtime.
type Store struct {
	dir string
	ttl time.Duration
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the session lifetime measured from the file's mtime.
// Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates the directory if needed and returns the store.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	s := &Store{dir: dir, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

var _ session.Store = (*Store)(nil)

func (s *Store) path(sid string) string {
	return filepath.Join(s.dir, base64.RawURLEncoding.EncodeToString([]byte(sid))+suffix)
}

// Save writes the session document atomically: temp file in the same
// directory, then rename.
func (s *Store) Save(ctx context.Context, sid string, sess *session.Session) error {
	if sid == "" {
		return session.ErrInvalidSessionID
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sid, err)
	}
	path := s.path(sid)
	tmp, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write session %s: %w", sid, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename session %s: %w", sid, err)
	}
	return nil
}

// Load reads and decodes the session, or returns (nil, nil) when the file
// is absent or past its TTL. Expired files are removed on sight.
func (s *Store) Load(ctx context.Context, sid string) (*session.Session, error) {
	if sid == "" {
		return nil, session.ErrInvalidSessionID
	}
	path := s.path(sid)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat session %s: %w", sid, err)
	}
	if s.expired(info.ModTime()) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warnf("file store: removing expired session %s: %v", sid, err)
		}
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", sid, err)
	}
	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sid, err)
	}
	return &sess, nil
}

// Delete removes the session file; absence is a no-op.
func (s *Store) Delete(ctx context.Context, sid string) error {
	if sid == "" {
		return session.ErrInvalidSessionID
	}
	if err := os.Remove(s.path(sid)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %s: %w", sid, err)
	}
	return nil
}

// List decodes filenames back to session IDs, most recently written first.
func (s *Store) List(ctx context.Context, namespace string, limit, offset int) ([]string, error) {
	if limit <= 0 || offset < 0 {
		return []string{}, nil
	}
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read session directory: %w", err)
	}

	type candidate struct {
		sid   string
		mtime time.Time
	}
	var live []candidate
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, suffix))
		if err != nil {
			// Not one of ours; leave it alone.
			continue
		}
		sid := string(raw)
		if namespace != "" && !strings.HasPrefix(sid, namespace+":") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if s.expired(info.ModTime()) {
			continue
		}
		live = append(live, candidate{sid: sid, mtime: info.ModTime()})
	}

	sort.Slice(live, func(i, j int) bool {
		if !live[i].mtime.Equal(live[j].mtime) {
			return live[i].mtime.After(live[j].mtime)
		}
		return live[i].sid < live[j].sid
	})

	if offset >= len(live) {
		return []string{}, nil
	}
	end := offset + limit
	if end > len(live) {
		end = len(live)
	}
	ids := make([]string, 0, end-offset)
	for _, c := range live[offset:end] {
		ids = append(ids, c.sid)
	}
	return ids, nil
}

// Close releases nothing for the file backend.
func (s *Store) Close() error {
	return nil
}

func (s *Store) expired(mtime time.Time) bool {
	return s.ttl > 0 && s.now().Sub(mtime) > s.ttl
}
