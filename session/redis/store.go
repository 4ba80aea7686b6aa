//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package redis provides a session store backed by Redis.
//
// Key layout:
//
//	<prefix>:session:<sid>  JSON session document, optional TTL
//	<prefix>:sessions       ZSET of all session IDs scored by updated_at
//	<prefix>:ns:<namespace> ZSET of one namespace's session IDs
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/consoul/log"
	"trpc.group/trpc-go/consoul/session"
)

// Store persists sessions in Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type options struct {
	url    string
	addr   string
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	lazy   bool
}

// Option configures a Store.
type Option func(*options)

// WithURL sets a redis:// connection URL.
func WithURL(url string) Option {
	return func(o *options) { o.url = url }
}

// WithAddr sets a host:port address.
func WithAddr(addr string) Option {
	return func(o *options) { o.addr = addr }
}

// WithClient injects an existing client, for tests and shared pools.
func WithClient(c redis.UniversalClient) Option {
	return func(o *options) { o.client = c }
}

// WithPrefix overrides the key prefix (default "consoul").
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithTTL sets the per-session value TTL. Zero keeps sessions forever.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithLazyConnect skips the startup ping so construction succeeds while
// redis is down; the first operation surfaces the connection error
// instead. Meant for deployments where a resilient wrapper absorbs
// outages.
func WithLazyConnect() Option {
	return func(o *options) { o.lazy = true }
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := &options{prefix: "consoul"}
	for _, opt := range opts {
		opt(o)
	}

	client := o.client
	if client == nil {
		switch {
		case o.url != "":
			parsed, err := redis.ParseURL(o.url)
			if err != nil {
				return nil, fmt.Errorf("parse redis url: %w", err)
			}
			client = redis.NewClient(parsed)
		case o.addr != "":
			client = redis.NewClient(&redis.Options{Addr: o.addr})
		default:
			client = redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
		}
	}

	if !o.lazy {
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}
	return &Store{client: client, prefix: o.prefix, ttl: o.ttl}, nil
}

var _ session.Store = (*Store)(nil)

func (s *Store) sessionKey(sid string) string {
	return s.prefix + ":session:" + sid
}

func (s *Store) indexKey() string {
	return s.prefix + ":sessions"
}

func (s *Store) nsKey(namespace string) string {
	return s.prefix + ":ns:" + namespace
}

// namespaceOf extracts the tenant prefix of a session ID, "" when untagged.
func namespaceOf(sid string) string {
	if i := strings.Index(sid, ":"); i > 0 {
		return sid[:i]
	}
	return ""
}

// Save writes the session document and updates the recency indexes in one
// pipeline.
func (s *Store) Save(ctx context.Context, sid string, sess *session.Session) error {
	if sid == "" {
		return session.ErrInvalidSessionID
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sid, err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.sessionKey(sid), data, s.ttl)
	member := redis.Z{Score: float64(sess.UpdatedAt), Member: sid}
	pipe.ZAdd(ctx, s.indexKey(), member)
	if ns := namespaceOf(sid); ns != "" {
		pipe.ZAdd(ctx, s.nsKey(ns), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session %s: %w", sid, err)
	}
	return nil
}

// Load returns the session, or (nil, nil) when the value key is gone
// (never written, deleted, or TTL-expired).
func (s *Store) Load(ctx context.Context, sid string) (*session.Session, error) {
	if sid == "" {
		return nil, session.ErrInvalidSessionID
	}
	data, err := s.client.Get(ctx, s.sessionKey(sid)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sid, err)
	}
	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sid, err)
	}
	return &sess, nil
}

// Delete removes the document and its index entries.
func (s *Store) Delete(ctx context.Context, sid string) error {
	if sid == "" {
		return session.ErrInvalidSessionID
	}
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.sessionKey(sid))
	pipe.ZRem(ctx, s.indexKey(), sid)
	if ns := namespaceOf(sid); ns != "" {
		pipe.ZRem(ctx, s.nsKey(ns), sid)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session %s: %w", sid, err)
	}
	return nil
}

// List pages the recency ZSET, then re-sorts by the updated_at embedded in
// each document: the ZSET score can lag a concurrent Save, the document is
// authoritative. IDs whose value key has TTL-expired are dropped from the
// page and pruned from the indexes.
func (s *Store) List(ctx context.Context, namespace string, limit, offset int) ([]string, error) {
	if limit <= 0 || offset < 0 {
		return []string{}, nil
	}
	key := s.indexKey()
	if namespace != "" {
		key = s.nsKey(namespace)
	}
	ids, err := s.client.ZRevRange(ctx, key, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if len(ids) == 0 {
		return []string{}, nil
	}

	keys := make([]string, len(ids))
	for i, sid := range ids {
		keys[i] = s.sessionKey(sid)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	type ranked struct {
		sid       string
		updatedAt int64
	}
	live := make([]ranked, 0, len(ids))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Value expired but the index entry survived; prune lazily.
			if err := s.client.ZRem(ctx, key, ids[i]).Err(); err != nil {
				log.Warnf("redis store: pruning stale index entry %s: %v", ids[i], err)
			}
			continue
		}
		var doc struct {
			CreatedAt int64 `json:"created_at"`
			UpdatedAt int64 `json:"updated_at"`
		}
		r := ranked{sid: ids[i]}
		if err := json.Unmarshal([]byte(raw), &doc); err == nil {
			r.updatedAt = doc.UpdatedAt
			if r.updatedAt == 0 {
				r.updatedAt = doc.CreatedAt
			}
		}
		live = append(live, r)
	}

	// Stable re-sort: documents with no timestamp sort last.
	sort.SliceStable(live, func(i, j int) bool {
		return live[i].updatedAt > live[j].updatedAt
	})

	out := make([]string, 0, len(live))
	for _, r := range live {
		out = append(out, r.sid)
	}
	return out, nil
}

// Ping checks backend liveness; the resilient wrapper probes with it.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
