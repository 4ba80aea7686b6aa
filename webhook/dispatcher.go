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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"trpc.group/trpc-go/consoul/log"
)

// Dispatcher fans events out to subscribed webhooks with retry and
// auto-disable.
type Dispatcher struct {
	store       Store
	client      *http.Client
	maxRetries  uint64
	maxFailures int
	initialWait time.Duration

	wg sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHTTPClient overrides the delivery client.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) {
		if c != nil {
			d.client = c
		}
	}
}

// WithMaxRetries caps delivery attempts per event (initial try excluded).
func WithMaxRetries(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.maxRetries = uint64(n)
		}
	}
}

// WithMaxFailures sets the consecutive-failure count that disables a
// webhook.
func WithMaxFailures(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxFailures = n
		}
	}
}

// WithInitialBackoff tunes the first retry interval, mainly for tests.
func WithInitialBackoff(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.initialWait = d
		}
	}
}

// NewDispatcher creates a Dispatcher over store.
func NewDispatcher(store Store, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		client:      &http.Client{Timeout: 10 * time.Second},
		maxRetries:  3,
		maxFailures: 5,
		initialWait: 500 * time.Millisecond,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch delivers ev to every enabled, subscribed webhook. Deliveries
// run concurrently; Dispatch returns immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	hooks, err := d.store.List(ctx)
	if err != nil {
		log.Errorf("webhook: list registrations: %v", err)
		return
	}
	for _, w := range hooks {
		if !w.Enabled || !w.Subscribed(ev.Type) {
			continue
		}
		w := w
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(ctx, w, ev)
		}()
	}
}

// Wait blocks until all in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// deliver posts ev to one webhook with exponential-backoff retries, then
// records the outcome and updates the failure counter.
func (d *Dispatcher) deliver(ctx context.Context, w *Webhook, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("webhook %s: marshal event: %v", w.ID, err)
		return
	}

	attempts := 0
	var lastCode int
	operation := func() error {
		attempts++
		code, err := d.post(ctx, w, body)
		lastCode = code
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.initialWait
	err = backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, d.maxRetries), ctx))

	rec := &DeliveryRecord{
		ID:         uuid.NewString(),
		WebhookID:  w.ID,
		EventType:  ev.Type,
		StatusCode: lastCode,
		Attempts:   attempts,
		CreatedAt:  time.Now().Unix(),
	}
	if err != nil {
		rec.Status = "failed"
		rec.Error = err.Error()
	} else {
		rec.Status = "delivered"
	}
	if recErr := d.store.RecordDelivery(ctx, rec); recErr != nil {
		log.Errorf("webhook %s: record delivery: %v", w.ID, recErr)
	}

	d.updateFailures(ctx, w.ID, err == nil)
}

// post performs one signed delivery attempt.
func (d *Dispatcher) post(ctx context.Context, w *Webhook, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	err = fmt.Errorf("delivery returned %d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// The destination rejected the payload; retrying cannot help.
		return resp.StatusCode, backoff.Permanent(err)
	}
	return resp.StatusCode, err
}

// updateFailures maintains the consecutive-failure counter, disabling the
// webhook at the limit. The read-modify-write runs on the latest stored
// copy so concurrent deliveries do not resurrect stale state.
func (d *Dispatcher) updateFailures(ctx context.Context, id string, delivered bool) {
	w, err := d.store.Get(ctx, id)
	if err != nil {
		return
	}
	if delivered {
		if w.ConsecutiveFailures == 0 {
			return
		}
		w.ConsecutiveFailures = 0
	} else {
		w.ConsecutiveFailures++
		if w.ConsecutiveFailures >= d.maxFailures {
			w.Enabled = false
			log.Warnf("webhook %s: disabled after %d consecutive failures", id, w.ConsecutiveFailures)
		}
	}
	if err := d.store.Update(ctx, w); err != nil {
		log.Errorf("webhook %s: update failure counter: %v", id, err)
	}
}
