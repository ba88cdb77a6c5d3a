// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package bus implements the in-process alert queue connecting operators
// and watchers to the coordinator, plus the optional Redis forwarder for
// cluster-wide fan-out.
//
// Notifications are not durable: a restarted queue loses in-flight
// notifications, and consumers must treat delivery as best-effort.
package bus

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/beamlens/beamlens/agent"
	"github.com/beamlens/beamlens/telemetry"
	"github.com/google/uuid"
)

// localNode identifies this process. It is stamped onto notifications
// pushed without an origin and is the forwarder's default identity for
// self-origin filtering.
var localNode = func() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s/%d", host, os.Getpid())
}()

// Subscriber receives every notification pushed while it is subscribed.
// Handlers are invoked synchronously from Push, in unspecified order
// across subscribers.
type Subscriber func(n agent.Notification)

// Queue is a FIFO notification queue with subscriber fan-out.
//
// Guarantees, within one process: every pushed notification is returned
// by exactly one TakeAll call, in push order, and is delivered to every
// subscriber live at the moment of the push.
//
// Thread Safety: safe for concurrent use.
type Queue struct {
	emitter *telemetry.Emitter

	node string

	mu      sync.Mutex
	items   []agent.Notification
	subs    map[string]Subscriber
	maxSize int
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithMaxSize caps the queue; on overflow the oldest notification is
// dropped and an alert_handler.dropped event is emitted. Zero means
// unbounded (the default, per the in-process delivery contract).
func WithMaxSize(n int) QueueOption {
	return func(q *Queue) {
		q.maxSize = n
	}
}

// WithNode overrides the origin stamped on locally pushed
// notifications. Defaults to hostname/pid; when overridden alongside a
// forwarder, the forwarder's node name must match.
func WithNode(node string) QueueOption {
	return func(q *Queue) {
		if node != "" {
			q.node = node
		}
	}
}

// NewQueue creates an empty queue.
func NewQueue(emitter *telemetry.Emitter, opts ...QueueOption) *Queue {
	if emitter == nil {
		emitter = telemetry.NewEmitter()
	}
	q := &Queue{
		emitter: emitter,
		node:    localNode,
		subs:    make(map[string]Subscriber),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push enqueues a notification and notifies each live subscriber.
//
// Description:
//
//	Stamps the local node as the notification's origin unless one is
//	already set (a notification injected by the forwarder keeps its
//	remote origin), appends to the FIFO, emits alert_handler.alert_fired
//	telemetry (the cluster forwarder listens for it), and invokes each
//	subscriber with the notification. Subscriber order is unspecified;
//	delivery order for a single producer is push order because Push is
//	serialized.
func (q *Queue) Push(n agent.Notification) {
	if n.Node == "" {
		n.Node = q.node
	}

	q.mu.Lock()
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		dropped := q.items[0]
		q.items = q.items[1:]
		q.emitter.Emit(telemetry.TypeAlertDropped, "", map[string]any{
			"notification_id": dropped.ID,
		})
	}
	q.items = append(q.items, n)
	subs := make([]Subscriber, 0, len(q.subs))
	for _, s := range q.subs {
		subs = append(subs, s)
	}
	q.mu.Unlock()

	q.emitter.Emit(telemetry.TypeAlertFired, "", map[string]any{
		"notification": n,
	})

	for _, s := range subs {
		s(n)
	}
}

// TakeAll atomically drains the queue, returning all pending
// notifications in FIFO order.
func (q *Queue) TakeAll() []agent.Notification {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	if len(items) > 0 {
		q.emitter.Emit(telemetry.TypeAlertDrained, "", map[string]any{
			"count": len(items),
		})
	}
	return items
}

// Pending reports whether any notifications are queued.
func (q *Queue) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0
}

// Count returns the number of queued notifications.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Subscribe registers a subscriber until ctx is done.
//
// Description:
//
//	The subscriber is invoked for every Push that happens while it is
//	registered. When ctx is cancelled the subscription is removed
//	automatically, mirroring process-monitor cleanup: a consumer that
//	goes away stops receiving without explicit unsubscription.
//
// Outputs:
//
//	string - Subscription id, usable with Unsubscribe for early removal.
func (q *Queue) Subscribe(ctx context.Context, s Subscriber) string {
	id := uuid.NewString()

	q.mu.Lock()
	q.subs[id] = s
	q.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			q.Unsubscribe(id)
		}()
	}
	return id
}

// Unsubscribe removes a subscription. Returns true if it existed.
func (q *Queue) Unsubscribe(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.subs[id]; ok {
		delete(q.subs, id)
		return true
	}
	return false
}

// SubscriberCount returns the number of live subscribers.
func (q *Queue) SubscriberCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}
