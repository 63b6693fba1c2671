package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mcdev12/planningpoker/go/internal/roomevents"
	"github.com/rs/zerolog/log"
)

type HealthStatus struct {
	Healthy         bool      `json:"healthy"`
	StoreConnected  bool      `json:"store_connected"`
	NATSConnected   bool      `json:"nats_connected"`
	RelayActive     bool      `json:"relay_active"`
	EventsPublished uint64    `json:"events_published"`
	EventsDropped   uint64    `json:"events_dropped"`
	LastEventTime   time.Time `json:"last_event_time"`
	Errors          []string  `json:"errors"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

type connChecker interface {
	Connected() bool
}

type relayStats interface {
	Stats() roomevents.RelayStats
}

// readinessChecker reports whether the store and, when enabled, the event
// relay are usable. A memory store has nothing to ping and is always ready.
type readinessChecker struct {
	store     any
	publisher connChecker
	relay     relayStats
}

func (h *readinessChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy:        true,
		StoreConnected: true,
		Errors:         []string{},
	}

	if p, ok := h.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			status.StoreConnected = false
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("store ping failed: %v", err))
		}
	}

	if h.publisher != nil {
		status.NATSConnected = h.publisher.Connected()
		if !status.NATSConnected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	if h.relay != nil {
		stats := h.relay.Stats()
		status.RelayActive = stats.Running
		status.EventsPublished = stats.Published
		status.EventsDropped = stats.Dropped
		status.LastEventTime = stats.LastEvent
		if !stats.Running {
			status.Healthy = false
			status.Errors = append(status.Errors, "relay not active")
		}
	}

	return status
}

func (h *readinessChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to write readiness response")
	}
}
