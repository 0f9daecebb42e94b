// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aiops

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/pulse/services/aiops/incident"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,
}

// incidentStream fans produced incidents out to websocket subscribers.
//
// # Thread Safety
//
// publish and subscribe are safe from any goroutine. Each subscriber
// owns a buffered channel; a subscriber too slow to drain it is dropped
// rather than blocking the analysis pass.
type incidentStream struct {
	mu     sync.Mutex
	subs   map[int]chan incident.Incident
	nextID int
	closed bool
}

func newIncidentStream() *incidentStream {
	return &incidentStream{subs: make(map[int]chan incident.Incident)}
}

func (s *incidentStream) subscribe() (int, <-chan incident.Incident) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		ch := make(chan incident.Incident)
		close(ch)
		return -1, ch
	}
	s.nextID++
	id := s.nextID
	ch := make(chan incident.Incident, 16)
	s.subs[id] = ch
	return id, ch
}

func (s *incidentStream) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *incidentStream) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

func (s *incidentStream) publish(inc incident.Incident) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- inc:
		default:
			delete(s.subs, id)
			close(ch)
			slog.Warn("incident stream subscriber dropped, channel full", "subscriber", id)
		}
	}
}

func (s *incidentStream) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// HandleIncidentStream handles GET /aiops/incidents/stream.
//
// Upgrades to a websocket and pushes every incident produced or updated
// by subsequent analysis passes as a JSON message. The connection closes
// when the client disconnects or the engine stops.
func (h *Handlers) HandleIncidentStream(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	id, ch := h.engine.stream.subscribe()
	defer h.engine.stream.unsubscribe(id)
	slog.Info("incident stream client connected", "subscriber", id)

	// Reader goroutine detects client disconnect.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case inc, ok := <-ch:
			if !ok {
				return
			}
			if err := ws.WriteJSON(inc); err != nil {
				slog.Warn("failed to write incident to websocket", "error", err)
				return
			}
		}
	}
}
