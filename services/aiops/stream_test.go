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
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/pulse/services/aiops/anomaly"
	"github.com/AleutianAI/pulse/services/aiops/incident"
)

func streamIncident(id string) incident.Incident {
	return incident.Incident{
		ID:            id,
		Title:         "Error spike detected in /payment",
		Severity:      anomaly.SeverityHigh,
		Status:        incident.StatusActive,
		RootCause:     incident.RootCause{Endpoint: "/payment", Confidence: 1.0},
		FirstDetected: testBase,
		LastUpdated:   testBase,
	}
}

// TestStreamPublishReachesSubscribers verifies fan-out to every
// subscriber and that unsubscribe closes the channel.
func TestStreamPublishReachesSubscribers(t *testing.T) {
	s := newIncidentStream()
	id1, ch1 := s.subscribe()
	_, ch2 := s.subscribe()
	require.Equal(t, 2, s.subscriberCount())

	s.publish(streamIncident("INC-1-1"))
	assert.Equal(t, "INC-1-1", (<-ch1).ID)
	assert.Equal(t, "INC-1-1", (<-ch2).ID)

	s.unsubscribe(id1)
	require.Equal(t, 1, s.subscriberCount())
	_, open := <-ch1
	assert.False(t, open, "unsubscribe must close the channel")

	// Unsubscribing twice is harmless.
	s.unsubscribe(id1)
}

// TestStreamDropsSlowSubscriber verifies a subscriber that never drains
// is dropped once its buffer fills, without blocking publish.
func TestStreamDropsSlowSubscriber(t *testing.T) {
	s := newIncidentStream()
	_, slow := s.subscribe()
	_, fast := s.subscribe()

	// Fill the slow subscriber's buffer, draining the fast one as we go.
	for i := 0; i < 16; i++ {
		s.publish(streamIncident(fmt.Sprintf("INC-1-%d", i)))
		<-fast
	}
	require.Equal(t, 2, s.subscriberCount())

	// One more publish overflows the slow buffer and evicts it.
	s.publish(streamIncident("INC-1-16"))
	assert.Equal(t, 1, s.subscriberCount())
	assert.Equal(t, "INC-1-16", (<-fast).ID)

	// The slow channel still holds its backlog and is closed at the end.
	for i := 0; i < 16; i++ {
		inc, open := <-slow
		require.True(t, open)
		assert.Equal(t, fmt.Sprintf("INC-1-%d", i), inc.ID)
	}
	_, open := <-slow
	assert.False(t, open)
}

// TestStreamCloseAll verifies shutdown closes every subscriber and that
// late subscribers get an already-closed channel.
func TestStreamCloseAll(t *testing.T) {
	s := newIncidentStream()
	_, ch := s.subscribe()

	s.closeAll()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, s.subscriberCount())

	id, late := s.subscribe()
	assert.Equal(t, -1, id)
	_, open = <-late
	assert.False(t, open, "subscribe after close must return a closed channel")

	// Idempotent.
	s.closeAll()
	s.publish(streamIncident("INC-9-9"))
}

// TestIncidentStreamWebsocket verifies the end-to-end feed: a connected
// client receives incidents produced after it subscribed, and engine
// shutdown ends the stream.
func TestIncidentStreamWebsocket(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/aiops/incidents/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// The handler subscribes asynchronously after the upgrade.
	deadline := time.Now().Add(5 * time.Second)
	for h.engine.stream.subscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.engine.stream.publish(streamIncident("INC-1-1"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var inc incident.Incident
	require.NoError(t, conn.ReadJSON(&inc))
	assert.Equal(t, "INC-1-1", inc.ID)
	assert.Equal(t, "/payment", inc.RootCause.Endpoint)

	// Engine stop closes the fan-out, which ends the connection.
	require.NoError(t, h.engine.Stop(t.Context()))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	err = conn.ReadJSON(&inc)
	assert.Error(t, err, "stream must end after engine shutdown")
}
