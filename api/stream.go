// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/beamlens/beamlens/telemetry"
)

const (
	// streamBuffer bounds the per-client event backlog. A client that
	// cannot keep up loses events rather than blocking the emitter.
	streamBuffer = 256

	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API binds to an operator-controlled address; origin checks are
	// the deployment's reverse proxy's job.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvents upgrades the connection and relays telemetry events as
// JSON frames.
//
// Description:
//
//	Optional ?types=a,b,c narrows the subscription; ?trace_id= filters
//	to one run. The subscription handler never blocks: events go through
//	a bounded channel and overflow drops the event for that client only.
//
// Thread Safety: each connection gets its own subscription and pumps.
func (s *Server) streamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	var types []telemetry.Type
	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, telemetry.Type(t))
			}
		}
	}

	var filter telemetry.Filter
	if traceID := c.Query("trace_id"); traceID != "" {
		filter = func(event *telemetry.Event) bool {
			return event.TraceID == traceID
		}
	}

	events := make(chan telemetry.Event, streamBuffer)
	subID := s.emitter.SubscribeWithFilter(func(event *telemetry.Event) {
		select {
		case events <- *event:
		default:
			// Slow client; drop rather than stall the emitter.
		}
	}, filter, types...)

	done := make(chan struct{})

	// Read pump: we never expect client frames, but reading is how the
	// close handshake and pong frames are processed.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go s.writePump(conn, events, done, subID)
}

func (s *Server) writePump(conn *websocket.Conn, events <-chan telemetry.Event, done <-chan struct{}, subID string) {
	ping := time.NewTicker(streamPingInterval)
	defer func() {
		ping.Stop()
		s.emitter.Unsubscribe(subID)
		conn.Close()
	}()

	for {
		select {
		case event := <-events:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
