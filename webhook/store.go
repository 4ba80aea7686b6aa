//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists webhook registrations and their delivery history.
type Store interface {
	Create(ctx context.Context, w *Webhook) error
	Get(ctx context.Context, id string) (*Webhook, error)
	Update(ctx context.Context, w *Webhook) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Webhook, error)
	RecordDelivery(ctx context.Context, rec *DeliveryRecord) error
	Deliveries(ctx context.Context, webhookID string, limit int) ([]*DeliveryRecord, error)
}

// MemoryStore keeps registrations in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	hooks      map[string]*Webhook
	deliveries map[string][]*DeliveryRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hooks:      make(map[string]*Webhook),
		deliveries: make(map[string][]*DeliveryRecord),
	}
}

var _ Store = (*MemoryStore)(nil)

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, w *Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.hooks[w.ID] = &cp
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.hooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, w *Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hooks[w.ID]; !ok {
		return ErrNotFound
	}
	w.UpdatedAt = time.Now().Unix()
	cp := *w
	s.hooks[w.ID] = &cp
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hooks, id)
	delete(s.deliveries, id)
	return nil
}

// List implements Store. Registrations are returned newest first.
func (s *MemoryStore) List(_ context.Context) ([]*Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Webhook, 0, len(s.hooks))
	for _, w := range s.hooks {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// RecordDelivery implements Store.
func (s *MemoryStore) RecordDelivery(_ context.Context, rec *DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.deliveries[rec.WebhookID] = append([]*DeliveryRecord{&cp}, s.deliveries[rec.WebhookID]...)
	return nil
}

// Deliveries implements Store.
func (s *MemoryStore) Deliveries(_ context.Context, webhookID string, limit int) ([]*DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.deliveries[webhookID]
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]*DeliveryRecord, len(recs))
	for i, r := range recs {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

// RedisStore persists registrations in redis under
// prefix:webhook:<id> with an index set at prefix:webhooks and a capped
// delivery list per webhook.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	maxRecs int64
}

// NewRedisStore creates a RedisStore on an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "consoul"
	}
	return &RedisStore{client: client, prefix: prefix, maxRecs: 100}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) key(id string) string {
	return fmt.Sprintf("%s:webhook:%s", s.prefix, id)
}

func (s *RedisStore) indexKey() string {
	return fmt.Sprintf("%s:webhooks", s.prefix)
}

func (s *RedisStore) deliveryKey(id string) string {
	return fmt.Sprintf("%s:webhook:%s:deliveries", s.prefix, id)
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, w *Webhook) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal webhook: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(w.ID), data, 0)
	pipe.SAdd(ctx, s.indexKey(), w.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*Webhook, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var w Webhook
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal webhook %s: %w", id, err)
	}
	return &w, nil
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, w *Webhook) error {
	exists, err := s.client.Exists(ctx, s.key(w.ID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	w.UpdatedAt = time.Now().Unix()
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal webhook: %w", err)
	}
	return s.client.Set(ctx, s.key(w.ID), data, 0).Err()
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(id), s.deliveryKey(id))
	pipe.SRem(ctx, s.indexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context) ([]*Webhook, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Webhook, 0, len(ids))
	for _, id := range ids {
		w, err := s.Get(ctx, id)
		if err == ErrNotFound {
			// Index entry outlived its record; self-heal.
			s.client.SRem(ctx, s.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// RecordDelivery implements Store. The per-webhook list is capped.
func (s *RedisStore) RecordDelivery(ctx context.Context, rec *DeliveryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.deliveryKey(rec.WebhookID), data)
	pipe.LTrim(ctx, s.deliveryKey(rec.WebhookID), 0, s.maxRecs-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Deliveries implements Store.
func (s *RedisStore) Deliveries(ctx context.Context, webhookID string, limit int) ([]*DeliveryRecord, error) {
	if limit <= 0 || int64(limit) > s.maxRecs {
		limit = int(s.maxRecs)
	}
	rows, err := s.client.LRange(ctx, s.deliveryKey(webhookID), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*DeliveryRecord, 0, len(rows))
	for _, row := range rows {
		var rec DeliveryRecord
		if err := json.Unmarshal([]byte(row), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}
