// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/beamlens/beamlens/agent"
	"github.com/beamlens/beamlens/pkg/logging"
	"github.com/beamlens/beamlens/telemetry"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel for cross-node alerts.
const DefaultChannel = "beamlens:alerts"

// envelope is the wire format for forwarded notifications. Origin names
// the publishing node so receivers can discard their own messages.
type envelope struct {
	Origin       string             `json:"origin"`
	Notification agent.Notification `json:"notification"`
}

// Forwarder republishes local alerts to a Redis channel and injects alerts
// from other nodes into the local queue, giving a multi-node deployment a
// shared alert stream without a durable broker.
//
// Delivery inherits Redis pub/sub semantics: best-effort, no replay for
// nodes that were down. That matches the in-process queue contract, which
// already treats notifications as non-durable.
//
// Thread Safety: safe for concurrent use after Start.
type Forwarder struct {
	client  redis.UniversalClient
	queue   *Queue
	emitter *telemetry.Emitter
	log     *slog.Logger

	node    string
	channel string

	cancel context.CancelFunc
	done   chan struct{}
	subID  string
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithChannel overrides the pub/sub channel name.
func WithChannel(ch string) ForwarderOption {
	return func(f *Forwarder) {
		if ch != "" {
			f.channel = ch
		}
	}
}

// WithNodeName overrides the node identity used for self-origin filtering.
// Defaults to the queue's origin stamp (hostname/pid); an override must
// match the queue's WithNode or locally stamped alerts are not forwarded.
func WithNodeName(node string) ForwarderOption {
	return func(f *Forwarder) {
		if node != "" {
			f.node = node
		}
	}
}

// NewForwarder creates a forwarder bridging queue and the Redis channel.
func NewForwarder(client redis.UniversalClient, queue *Queue, emitter *telemetry.Emitter, opts ...ForwarderOption) (*Forwarder, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client must not be nil")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue must not be nil")
	}
	if emitter == nil {
		emitter = telemetry.NewEmitter()
	}

	f := &Forwarder{
		client:  client,
		queue:   queue,
		emitter: emitter,
		log:     logging.NewLogger("alert-forwarder"),
		node:    queue.node,
		channel: DefaultChannel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Start begins forwarding in both directions until Stop is called or ctx
// is cancelled.
//
// Description:
//
//	Outbound: subscribes to the emitter's alert_fired events and publishes
//	each local notification to the Redis channel. Inbound: subscribes to
//	the Redis channel and pushes foreign notifications into the local
//	queue; messages originating from this node are discarded by origin
//	tag, which also prevents publish loops because inbound pushes re-fire
//	alert_fired locally.
func (f *Forwarder) Start(ctx context.Context) error {
	if f.cancel != nil {
		return agent.ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	f.subID = f.emitter.Subscribe(func(ev *telemetry.Event) {
		n, ok := ev.Fields["notification"].(agent.Notification)
		if !ok {
			return
		}
		if n.Node == "" {
			n.Node = f.node
		}
		if n.Node != f.node {
			// Came in over the wire; do not bounce it back out.
			return
		}
		f.publish(runCtx, n)
	}, telemetry.TypeAlertFired)

	sub := f.client.Subscribe(runCtx, f.channel)
	go f.receive(runCtx, sub)

	f.log.Info("alert forwarder started",
		slog.String("channel", f.channel),
		slog.String("node", f.node))
	return nil
}

// Stop halts forwarding and waits for the receive loop to exit.
func (f *Forwarder) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	f.emitter.Unsubscribe(f.subID)
	<-f.done
	f.cancel = nil
}

func (f *Forwarder) publish(ctx context.Context, n agent.Notification) {
	payload, err := json.Marshal(envelope{Origin: f.node, Notification: n})
	if err != nil {
		f.log.Error("failed to encode notification", slog.Any("error", err))
		return
	}
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		f.log.Warn("failed to publish alert",
			slog.String("notification_id", n.ID),
			slog.Any("error", err))
	}
}

func (f *Forwarder) receive(ctx context.Context, sub *redis.PubSub) {
	defer close(f.done)
	defer func() {
		if err := sub.Close(); err != nil {
			f.log.Warn("failed to close subscription", slog.Any("error", err))
		}
	}()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				f.log.Warn("discarding malformed alert payload", slog.Any("error", err))
				continue
			}
			if env.Origin == f.node {
				continue
			}
			n := env.Notification
			n.Node = env.Origin
			f.queue.Push(n)
		}
	}
}
